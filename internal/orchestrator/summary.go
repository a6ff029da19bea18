package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
)

const maxSummaryLen = 500

var headerLine = regexp.MustCompile(`^[A-Z][A-Z0-9 _-]{2,39}:?$`)

// Summarize distills the agent's final output into a short report. It
// prefers an explicit SUMMARY block, then an IMPLEMENTED block, then the
// last paragraph, and finally just truncates the whole thing.
func Summarize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if block := extractBlock(text, "SUMMARY"); block != "" {
		return truncateSummary(block)
	}
	if block := extractBlock(text, "IMPLEMENTED"); block != "" {
		return truncateSummary(block)
	}
	if para := lastParagraph(text); para != "" {
		return truncateSummary(para)
	}
	return truncateSummary(strings.TrimSpace(text))
}

// extractBlock returns the text under a "KEYWORD" or "KEYWORD: ..." line,
// up to the next header line or the end of the input.
func extractBlock(text, keyword string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)

		var collected []string
		switch {
		case upper == keyword || upper == keyword+":":
		case strings.HasPrefix(upper, keyword+":"):
			collected = append(collected, strings.TrimSpace(trimmed[len(keyword)+1:]))
		default:
			continue
		}

		for j := i + 1; j < len(lines); j++ {
			next := strings.TrimSpace(lines[j])
			if headerLine.MatchString(next) {
				break
			}
			collected = append(collected, next)
		}
		if block := strings.TrimSpace(strings.Join(collected, "\n")); block != "" {
			return block
		}
	}
	return ""
}

func lastParagraph(text string) string {
	paragraphs := strings.Split(text, "\n\n")
	for i := len(paragraphs) - 1; i >= 0; i-- {
		para := strings.TrimSpace(paragraphs[i])
		if para == "" || headerLine.MatchString(para) {
			continue
		}
		return para
	}
	return ""
}

func truncateSummary(s string) string {
	runes := []rune(s)
	if len(runes) <= maxSummaryLen {
		return s
	}
	return strings.TrimSpace(string(runes[:maxSummaryLen])) + "..."
}

// filePathFromInput pulls a file path out of a tool invocation's input,
// trying the argument names agents actually use.
func filePathFromInput(input map[string]any) string {
	for _, key := range []string{"file_path", "path", "filename", "file"} {
		if v, ok := input[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func buildCompletionComment(summary string, files []string) string {
	var b strings.Builder
	b.WriteString("Automated work complete.\n")
	if summary != "" {
		b.WriteString("\n")
		b.WriteString(summary)
		b.WriteString("\n")
	}
	if len(files) > 0 {
		b.WriteString("\nFiles changed:\n")
		for _, f := range files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return b.String()
}

package research

import (
	"fmt"
	"strings"
)

// ConfidenceLabel maps a numeric confidence onto the label shown to users.
func ConfidenceLabel(confidence float64) string {
	if confidence >= 0.8 {
		return "High"
	}
	return "Moderate"
}

// reportTail renders the sources section and confidence annotation that
// close every report.
func reportTail(sources []Source, confidence float64) string {
	var b strings.Builder
	if len(sources) > 0 {
		b.WriteString("\n\n## Sources\n")
		for _, s := range sources {
			title := s.Title
			if title == "" {
				title = s.URL
			}
			fmt.Fprintf(&b, "\n- [%s](%s)", title, s.URL)
		}
	}
	fmt.Fprintf(&b, "\n\n*Confidence: %s*\n", ConfidenceLabel(confidence))
	return b.String()
}

// FormatReport appends the sources list and confidence annotation to a
// synthesized report body.
func FormatReport(body string, sources []Source, confidence float64) string {
	return strings.TrimRight(body, "\n") + reportTail(sources, confidence)
}

// FallbackReport assembles a partial report directly from accumulated
// learnings when synthesis cannot run. It is explicit about being partial.
func FallbackReport(topic string, learnings []string, sources []Source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research Notes: %s\n\n", topic)
	b.WriteString("Report generation was interrupted; the findings gathered so far are listed below.\n")
	if len(learnings) == 0 {
		b.WriteString("\nNo findings were collected before the interruption.\n")
	} else {
		b.WriteString("\n## Findings\n")
		for _, l := range learnings {
			fmt.Fprintf(&b, "\n- %s", l)
		}
		b.WriteString("\n")
	}
	return FormatReport(b.String(), sources, 0.3)
}

// emptyFindingsNote is the report body for a deep run that finished without
// collecting a single learning.
func emptyFindingsNote(topic string) string {
	return fmt.Sprintf("# %s\n\nThe research run completed but no findings could be extracted from the available search results. "+
		"Try rephrasing the topic or increasing the research breadth.", topic)
}

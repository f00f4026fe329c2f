package issues

import (
	"fmt"
	"strings"

	"git.home.luguber.info/inful/devserve/internal/engine"
)

// Format renders an issue as the single-line message shown to clients.
func Format(issue engine.Issue) string {
	var b strings.Builder
	if issue.FilePath != "" {
		b.WriteString(issue.FilePath)
		if issue.Line > 0 {
			fmt.Fprintf(&b, ":%d", issue.Line)
			if issue.Column > 0 {
				fmt.Fprintf(&b, ":%d", issue.Column)
			}
		}
		b.WriteString("\n")
	}
	b.WriteString(string(issue.Severity))
	b.WriteString(": ")
	b.WriteString(issue.Message)
	if issue.Detail != "" {
		b.WriteString("\n")
		b.WriteString(issue.Detail)
	}
	return b.String()
}

// FormatEntries renders ledger entries to deduplicated display messages,
// preserving snapshot order.
func FormatEntries(entries []Entry) []string {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		msg := Format(e.Issue)
		if _, dup := seen[msg]; dup {
			continue
		}
		seen[msg] = struct{}{}
		out = append(out, msg)
	}
	return out
}

package server

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"

	"git.home.luguber.info/inful/devserve/internal/issues"
)

// handleErrorOverlay renders the current diagnostics as an HTML page. The
// overlay is built as markdown and converted, so diagnostic text with code
// fences and emphasis renders readably.
func (s *Server) handleErrorOverlay(w http.ResponseWriter, _ *http.Request) {
	doc := overlayMarkdown(s.ledger.Snapshot(), s.ledger.WarningSnapshot())

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(doc), &buf); err != nil {
		http.Error(w, "overlay render failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>Build Diagnostics</title></head>
<body>
%s
</body>
</html>
`, buf.String())
}

func overlayMarkdown(errs, warns []issues.Entry) string {
	var b strings.Builder
	b.WriteString("# Build Diagnostics\n\n")

	if len(errs) == 0 && len(warns) == 0 {
		b.WriteString("No issues. All units compiled cleanly.\n")
		return b.String()
	}

	if len(errs) > 0 {
		fmt.Fprintf(&b, "## Errors (%d)\n\n", len(errs))
		writeEntries(&b, errs)
	}
	if len(warns) > 0 {
		fmt.Fprintf(&b, "## Warnings (%d)\n\n", len(warns))
		writeEntries(&b, warns)
	}
	return b.String()
}

func writeEntries(b *strings.Builder, entries []issues.Entry) {
	currentUnit := ""
	for _, e := range entries {
		if e.UnitKey != currentUnit {
			currentUnit = e.UnitKey
			fmt.Fprintf(b, "### `%s`\n\n", currentUnit)
		}
		fmt.Fprintf(b, "- **%s**", e.Issue.Message)
		if e.Issue.FilePath != "" {
			fmt.Fprintf(b, " at `%s", e.Issue.FilePath)
			if e.Issue.Line > 0 {
				fmt.Fprintf(b, ":%d", e.Issue.Line)
				if e.Issue.Column > 0 {
					fmt.Fprintf(b, ":%d", e.Issue.Column)
				}
			}
			b.WriteString("`")
		}
		b.WriteString("\n")
		if e.Issue.Detail != "" {
			fmt.Fprintf(b, "\n  ```\n  %s\n  ```\n", strings.ReplaceAll(e.Issue.Detail, "\n", "\n  "))
		}
	}
	b.WriteString("\n")
}

package issues

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"git.home.luguber.info/inful/devserve/internal/engine"
)

func TestFormatFullIssue(t *testing.T) {
	got := Format(engine.Issue{
		Severity: engine.SeverityError,
		Message:  "unexpected token",
		FilePath: "pages/about.tsx",
		Line:     12,
		Column:   4,
		Detail:   "expected '}' but found ')'",
	})

	assert.Equal(t, "pages/about.tsx:12:4\nerror: unexpected token\nexpected '}' but found ')'", got)
}

func TestFormatMinimalIssue(t *testing.T) {
	got := Format(engine.Issue{Severity: engine.SeverityWarning, Message: "unused import"})
	assert.Equal(t, "warning: unused import", got)
}

func TestFormatLineWithoutColumn(t *testing.T) {
	got := Format(engine.Issue{
		Severity: engine.SeverityError,
		Message:  "boom",
		FilePath: "a.ts",
		Line:     3,
	})
	assert.Equal(t, "a.ts:3\nerror: boom", got)
}

func TestFormatEntriesDeduplicates(t *testing.T) {
	issue := engine.Issue{Severity: engine.SeverityError, Message: "boom", FilePath: "a.ts"}

	got := FormatEntries([]Entry{
		{UnitKey: "/a", Issue: issue},
		{UnitKey: "/b", Issue: issue},
		{UnitKey: "/b", Issue: engine.Issue{Severity: engine.SeverityError, Message: "other"}},
	})

	assert.Equal(t, []string{"a.ts\nerror: boom", "error: other"}, got)
}

package ledger

import "github.com/hallabot/regubot/internal/domain"

// RecordRag attributes provider-reported usage to a retrieval-side role.
func (l *Ledger) RecordRag(role, model string, usage domain.Usage) {
	l.Record(role, model, usage, CategoryRag, false)
}

// RecordFunction attributes provider-reported usage to a tool-side role.
func (l *Ledger) RecordFunction(role, model string, usage domain.Usage) {
	l.Record(role, model, usage, CategoryFunction, false)
}

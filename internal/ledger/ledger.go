// Package ledger accumulates per-role token usage across a turn and
// converts it to USD cost using per-model pricing.
package ledger

import (
	"strings"
	"sync"

	"github.com/hallabot/regubot/internal/domain"
	"github.com/hallabot/regubot/internal/tokens"
)

// Category buckets token usage by pipeline concern.
type Category string

const (
	CategoryInput    Category = "input"
	CategoryFunction Category = "function"
	CategoryRag      Category = "rag"
)

// Totals are the category sums for one turn.
type Totals struct {
	InputTokens     int
	OutputTokens    int
	FunctionTokens  int
	RagTokens       int
	ReasoningTokens int
	TotalTokens     int
}

// RoleUsage is one role's contribution, tagged with the model that served
// it. Needed because a single turn routinely spans several models.
type RoleUsage struct {
	Role            string
	Model           string
	InputTokens     int
	OutputTokens    int
	ReasoningTokens int
}

type roleEntry struct {
	model     string
	category  Category
	input     int
	output    int
	reasoning int
}

// Ledger is the per-turn token accounting structure. All methods are safe
// for concurrent use; the retrieval and function branches of a turn both
// write to it.
type Ledger struct {
	mu      sync.Mutex
	roles   map[string]*roleEntry
	counter *tokens.Registry

	// streamed delta estimation, replaced by provider usage at stream end
	deltaBuf   strings.Builder
	deltaCount int
}

// New creates an empty ledger backed by the given counter registry.
func New(counter *tokens.Registry) *Ledger {
	return &Ledger{
		roles:   make(map[string]*roleEntry),
		counter: counter,
	}
}

// Reset zeroes all counters. Called once at turn start.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roles = make(map[string]*roleEntry)
	l.deltaBuf.Reset()
	l.deltaCount = 0
}

// Record accumulates usage for a role. With replace=true the role's
// previously recorded contribution is discarded first; used when an
// estimate is superseded by the provider's authoritative usage.
func (l *Ledger) Record(role, model string, usage domain.Usage, category Category, replace bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.roles[role]
	if !ok || replace {
		entry = &roleEntry{}
		l.roles[role] = entry
	}
	entry.model = model
	entry.category = category
	entry.input += usage.InputTokens
	entry.output += usage.OutputTokens
	entry.reasoning += usage.ReasoningTokens
}

// CountOutputDelta buffers a streamed text chunk and periodically folds an
// estimated output count into the streaming role. The estimate is later
// replaced by the provider's reported usage.
func (l *Ledger) CountOutputDelta(role, model, delta string) {
	l.mu.Lock()
	l.deltaBuf.WriteString(delta)
	l.deltaCount++
	flush := l.deltaCount >= 10
	var text string
	if flush {
		text = l.deltaBuf.String()
		l.deltaBuf.Reset()
		l.deltaCount = 0
	}
	l.mu.Unlock()

	if flush && text != "" {
		n, err := l.counter.CountText(model, text)
		if err != nil {
			return
		}
		l.Record(role, model, domain.Usage{OutputTokens: n}, CategoryInput, false)
	}
}

// FlushDeltaBuffer folds any remaining buffered deltas into the role.
func (l *Ledger) FlushDeltaBuffer(role, model string) {
	l.mu.Lock()
	text := l.deltaBuf.String()
	l.deltaBuf.Reset()
	l.deltaCount = 0
	l.mu.Unlock()

	if text == "" {
		return
	}
	n, err := l.counter.CountText(model, text)
	if err != nil {
		return
	}
	l.Record(role, model, domain.Usage{OutputTokens: n}, CategoryInput, false)
}

// CountFunctionCall records an estimate for one tool invocation under the
// function category, keyed by the tool name.
func (l *Ledger) CountFunctionCall(name, model, args, output string) {
	in, err := l.counter.CountText(model, name+args)
	if err != nil {
		return
	}
	out, err := l.counter.CountText(model, output)
	if err != nil {
		return
	}
	l.Record(name, model, domain.Usage{InputTokens: in, OutputTokens: out}, CategoryFunction, false)
}

// Totals returns the category sums. Totals are derived from the per-role
// entries so replace semantics never leave them inconsistent.
func (l *Ledger) Totals() Totals {
	l.mu.Lock()
	defer l.mu.Unlock()

	var t Totals
	for _, e := range l.roles {
		switch e.category {
		case CategoryFunction:
			t.FunctionTokens += e.input + e.output
		case CategoryRag:
			t.RagTokens += e.input + e.output
		default:
			t.InputTokens += e.input
			t.OutputTokens += e.output
		}
		t.ReasoningTokens += e.reasoning
	}
	t.TotalTokens = t.InputTokens + t.OutputTokens + t.FunctionTokens + t.RagTokens
	return t
}

// RoleBreakdown returns the per-role detail for metadata.
func (l *Ledger) RoleBreakdown() map[string]domain.RoleTokens {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]domain.RoleTokens, len(l.roles))
	for role, e := range l.roles {
		out[role] = domain.RoleTokens{
			InputTokens:     e.input,
			OutputTokens:    e.output,
			ReasoningTokens: e.reasoning,
			Model:           e.model,
		}
	}
	return out
}

// RoleUsageList returns the per-role usage with models, the input to
// batch cost calculation.
func (l *Ledger) RoleUsageList() []RoleUsage {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]RoleUsage, 0, len(l.roles))
	for role, e := range l.roles {
		out = append(out, RoleUsage{
			Role:            role,
			Model:           e.model,
			InputTokens:     e.input,
			OutputTokens:    e.output,
			ReasoningTokens: e.reasoning,
		})
	}
	return out
}

package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hallabot/regubot/internal/domain"
	"github.com/hallabot/regubot/internal/ledger"
	"github.com/hallabot/regubot/internal/rag"
	"github.com/hallabot/regubot/internal/tokens"
)

// RagService runs the retrieval pipeline for one question.
type RagService interface {
	Retrieve(ctx context.Context, question string) rag.Result
}

// ContextCondenser reduces raw retrieval context to a focused summary.
type ContextCondenser interface {
	Condense(ctx context.Context, question, rawContext string) string
}

// ToolRunner analyzes a message and executes the tools it needs.
type ToolRunner interface {
	AnalyzeAndExecute(ctx context.Context, message string) (string, []domain.FunctionCallRecord, error)
}

// Roles resolves role names to providers and exposes the active preset.
type Roles interface {
	Resolve(role string) (domain.Provider, string, error)
	ActivePreset() string
}

// Request is one chat turn from the client. History is the prior
// conversation; the client owns accumulation between turns.
type Request struct {
	Message  string
	History  []domain.Message
	Language string
}

// Result is what a completed turn produced, for persistence.
type Result struct {
	Completed string
	Metadata  *domain.TurnMetadata
}

// Emit delivers one stream event to the client. A non-nil return aborts
// the turn (client gone).
type Emit func(domain.StreamEvent) error

// Orchestrator drives the full per-turn pipeline.
type Orchestrator struct {
	rag         RagService
	condenser   ContextCondenser
	tools       ToolRunner
	roles       Roles
	ledger      *ledger.Ledger
	prices      *ledger.PriceTable
	counter     *tokens.Registry
	instruction string
	defaultLang string
	logger      *slog.Logger
	now         func() time.Time
}

// NewOrchestrator wires the chat pipeline. instruction is the standing
// assistant directive included in every augmented prompt; defaultLang is
// used when a request does not name a response language.
func NewOrchestrator(ragSvc RagService, condenser ContextCondenser, toolRunner ToolRunner, roles Roles, led *ledger.Ledger, prices *ledger.PriceTable, counter *tokens.Registry, instruction, defaultLang string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		rag:         ragSvc,
		condenser:   condenser,
		tools:       toolRunner,
		roles:       roles,
		ledger:      led,
		prices:      prices,
		counter:     counter,
		instruction: instruction,
		defaultLang: defaultLang,
		logger:      logger,
		now:         time.Now,
	}
}

// StreamTurn runs one turn end to end, emitting newline-delimited events
// through emit. It returns the completed text and final metadata so the
// caller can persist the turn. The event sequence is zero or more delta
// events, exactly one metadata event, then one done event; an error
// event terminates the stream instead.
func (o *Orchestrator) StreamTurn(ctx context.Context, req Request, emit Emit) (*Result, error) {
	start := o.now()
	o.ledger.Reset()

	metadata := &domain.TurnMetadata{
		Functions:       []domain.FunctionCallMetadata{},
		WebSearchStatus: domain.WebSearchNotRun,
	}

	// Retrieval and tool execution are independent; run them in parallel.
	var (
		ragResult   rag.Result
		reasoning   string
		funcRecords []domain.FunctionCallRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ragResult = o.rag.Retrieve(gctx, req.Message)
		return nil
	})
	g.Go(func() error {
		var err error
		reasoning, funcRecords, err = o.tools.AnalyzeAndExecute(gctx, req.Message)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, o.emitError(emit, err)
	}

	condensedRag := ""
	if ragResult.Package.MergedText != "" {
		condensedRag = o.condenser.Condense(ctx, req.Message, ragResult.Package.MergedText)
	}
	metadata.Rag = buildRagMetadata(ragResult, condensedRag)

	metadata.Functions = buildFunctionMetadata(funcRecords)
	metadata.FunctionsCount = len(funcRecords)
	if reasoning != "" && len(funcRecords) > 0 {
		names := make([]string, len(funcRecords))
		for i, fc := range funcRecords {
			names[i] = fc.Name
		}
		metadata.ToolReasoning = &domain.ToolReasoning{
			Reasoning:     reasoning,
			SelectedTools: names,
		}
	}
	metadata.WebSearchStatus = webSearchStatus(funcRecords)

	language := req.Language
	if language == "" {
		language = o.defaultLang
	}
	builder := &promptBuilder{instruction: o.instruction, now: o.now}
	finalContext, _ := builder.build(req.Message, req.History, condensedRag, funcRecords, language)

	provider, model, err := o.roles.Resolve("streaming")
	if err != nil {
		return nil, o.emitError(emit, err)
	}
	o.countInputTokens(finalContext, model)

	streamer, ok := provider.(domain.StreamingProvider)
	if !ok {
		return nil, o.emitError(emit, domain.ErrUnsupported(
			fmt.Sprintf("provider %s does not support streaming", provider.ProviderName())))
	}

	deltas, err := streamer.Stream(ctx, finalContext, nil)
	if err != nil {
		return nil, o.emitError(emit, err)
	}

	var completed strings.Builder
	for delta := range deltas {
		if delta.Err != nil {
			return nil, o.emitError(emit, delta.Err)
		}
		if delta.Content != "" {
			completed.WriteString(delta.Content)
			o.ledger.CountOutputDelta("streaming", model, delta.Content)
			if err := emit(domain.StreamEvent{Type: domain.EventDelta, Content: delta.Content}); err != nil {
				return nil, err
			}
		}
		if delta.Usage != nil {
			// Provider-reported usage supersedes the running estimate.
			o.ledger.FlushDeltaBuffer("streaming", model)
			o.ledger.Record("streaming", model, *delta.Usage, ledger.CategoryInput, true)
		}
	}
	o.ledger.FlushDeltaBuffer("streaming", model)

	if err := o.emitCitations(emit, funcRecords, metadata.Rag); err != nil {
		return nil, err
	}

	metadata.TokenUsage = o.buildTokenUsage(model)
	metadata.DurationMS = o.now().Sub(start).Milliseconds()
	if err := emit(domain.StreamEvent{Type: domain.EventMetadata, Metadata: metadata}); err != nil {
		return nil, err
	}
	if err := emit(domain.StreamEvent{Type: domain.EventDone}); err != nil {
		return nil, err
	}

	return &Result{Completed: completed.String(), Metadata: metadata}, nil
}

// emitCitations streams the source trailer: web links first, then
// regulation document attributions.
func (o *Orchestrator) emitCitations(emit Emit, funcs []domain.FunctionCallRecord, ragMeta *domain.RagMetadata) error {
	webLinks := extractWebLinks(funcs)
	if len(webLinks) > 0 {
		if err := emit(domain.StreamEvent{Type: domain.EventDelta, Content: "\n\n📎 참고 링크:\n"}); err != nil {
			return err
		}
		for _, link := range webLinks {
			if err := emit(domain.StreamEvent{Type: domain.EventDelta, Content: "  - " + link + "\n"}); err != nil {
				return err
			}
		}
	}

	if ragMeta != nil && len(ragMeta.SourceDocuments) > 0 {
		sources := formatRagSources(ragMeta.SourceDocuments)
		if sources != "" {
			if err := emit(domain.StreamEvent{Type: domain.EventDelta, Content: "\n\n📚 참고 문서:\n"}); err != nil {
				return err
			}
			if err := emit(domain.StreamEvent{Type: domain.EventDelta, Content: sources + "\n"}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) countInputTokens(messages []domain.Message, model string) {
	const perMessageOverhead = 4
	total := 3 // assistant priming
	for _, m := range messages {
		n, err := o.counter.CountText(model, m.Content)
		if err != nil {
			n = len(m.Content) / 4
		}
		total += n + perMessageOverhead
	}
	o.ledger.Record("streaming", model, domain.Usage{InputTokens: total}, ledger.CategoryInput, false)
}

func (o *Orchestrator) buildTokenUsage(model string) *domain.TokenUsageMetadata {
	totals := o.ledger.Totals()
	usage := &domain.TokenUsageMetadata{
		InputTokens:     totals.InputTokens,
		OutputTokens:    totals.OutputTokens,
		FunctionTokens:  totals.FunctionTokens,
		RagTokens:       totals.RagTokens,
		ReasoningTokens: totals.ReasoningTokens,
		TotalTokens:     totals.TotalTokens,
		Currency:        "USD",
		Model:           model,
		Preset:          o.roles.ActivePreset(),
		RoleBreakdown:   o.ledger.RoleBreakdown(),
	}

	roleUsage := o.ledger.RoleUsageList()
	if len(roleUsage) > 0 {
		batch := o.prices.CalculateBatch(roleUsage)
		for _, c := range batch.ByModel {
			usage.InputCostUSD += c.InputUSD
			usage.OutputCostUSD += c.OutputUSD
		}
		usage.TotalCostUSD = batch.TotalUSD
	} else {
		cost := o.prices.Calculate(totals.InputTokens, totals.OutputTokens, model)
		usage.InputCostUSD = cost.InputUSD
		usage.OutputCostUSD = cost.OutputUSD
		usage.TotalCostUSD = cost.TotalUSD
	}
	return usage
}

func (o *Orchestrator) emitError(emit Emit, err error) error {
	o.logger.Error("turn failed", slog.String("error", err.Error()))
	event := domain.StreamEvent{Type: domain.EventError, Message: err.Error()}
	if emitErr := emit(event); emitErr != nil {
		return emitErr
	}
	return err
}

// buildRagMetadata records the retrieval outcome. The gate decision is
// always present; when nothing was retrieved the reason says so.
func buildRagMetadata(result rag.Result, condensed string) *domain.RagMetadata {
	meta := &domain.RagMetadata{
		IsRegulation:  result.Decision.IsRegulation,
		GateReason:    result.Decision.Reason,
		ContextSource: result.Package.Source,
		HitsCount:     len(result.Hits),
		DocumentCount: result.Package.DocumentCount,
		PreviewCount:  result.Package.PreviewCount,
		ChunkIDs:      append([]string{}, result.ChunkIDs...),
	}
	if result.Package.MergedText != "" {
		meta.SourceDocuments = append([]domain.SourceAttribution{}, result.Package.Attributions...)
		meta.RawContext = result.Package.MergedText
		meta.CondensedContext = condensed
	} else {
		meta.SourceDocuments = []domain.SourceAttribution{}
		if meta.GateReason == "" {
			meta.GateReason = "RAG Gate 판단: 문서 없음"
		}
	}
	return meta
}

func buildFunctionMetadata(records []domain.FunctionCallRecord) []domain.FunctionCallMetadata {
	metas := make([]domain.FunctionCallMetadata, 0, len(records))
	for _, r := range records {
		output := r.Output
		if len(output) > functionOutputMaxLen {
			output = clipRunes(output, functionOutputMaxLen) + "...<truncated>"
		}
		metas = append(metas, domain.FunctionCallMetadata{
			Name:         r.Name,
			Arguments:    r.Arguments,
			Output:       output,
			OutputLength: len(r.Output),
			CallID:       r.CallID,
			IsFallback:   r.IsFallback,
			Reasoning:    r.Reasoning,
		})
	}
	return metas
}

// webSearchStatus summarizes web-search outcome for the turn metadata.
func webSearchStatus(records []domain.FunctionCallRecord) domain.WebSearchStatus {
	for _, r := range records {
		if r.Name != "search_internet" {
			continue
		}
		lowered := strings.ToLower(r.Output)
		for _, k := range []string{"오류", "error", "❌"} {
			if strings.Contains(lowered, k) {
				return domain.WebSearchEmptyOrError
			}
		}
		return domain.WebSearchOK
	}
	return domain.WebSearchNotRun
}

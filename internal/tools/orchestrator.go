package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/hallabot/regubot/internal/domain"
)

var analyzeSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"reasoning": {"type": "string"},
		"selected_tools": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["reasoning", "selected_tools"],
	"additionalProperties": false
}`)

var cafeteriaKeywords = []string{
	"학식", "식단", "점심", "저녁", "메뉴", "조식", "석식", "아침", "오늘 메뉴", "밥 뭐",
}

var datePattern = regexp.MustCompile(`(\d{4}[./-]\d{1,2}[./-]\d{1,2})`)

// FunctionLedger records token usage for executed calls.
type FunctionLedger interface {
	RecordFunction(role, model string, usage domain.Usage)
	CountFunctionCall(name, model, args, output string)
}

// Orchestrator classifies which tools a message needs, executes them and
// packages results with per-call provenance. Three trigger paths run in
// order: model tool calls, reasoning-forced calls, keyword fallback.
// Later paths see earlier results so a tool is never invoked twice.
type Orchestrator struct {
	registry *Registry
	roles    RoleResolver
	ledger   FunctionLedger
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrchestrator creates a function orchestrator.
func NewOrchestrator(registry *Registry, roles RoleResolver, ledger FunctionLedger, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		roles:    roles,
		ledger:   ledger,
		logger:   logger,
		now:      time.Now,
	}
}

// AnalyzeAndExecute runs the full tool pipeline for one message. Tool
// execution failures are encoded into the records as error strings; the
// only error returned is context cancellation, which must propagate.
func (o *Orchestrator) AnalyzeAndExecute(ctx context.Context, message string) (string, []domain.FunctionCallRecord, error) {
	reasoning, selectedTools := o.analyzeReasoning(ctx, message)

	var records []domain.FunctionCallRecord

	// Path 1: model-chosen tool calls
	calls, callModel := o.extractToolCalls(ctx, message)
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return reasoning, records, err
		}
		record, ok := o.executeModelCall(ctx, call, callModel, message, reasoning)
		if ok {
			records = append(records, record)
		}
	}

	// Path 2: reasoning-forced execution closes the gap when the
	// reasoning pass names a tool the tool-call pass never invoked.
	if len(calls) == 0 && len(selectedTools) > 0 {
		for _, name := range selectedTools {
			if err := ctx.Err(); err != nil {
				return reasoning, records, err
			}
			if hasRecord(records, name) {
				continue
			}
			tool, ok := o.registry.Lookup(name)
			if !ok {
				o.logger.Warn("reasoning selected unregistered tool", slog.String("tool", name))
				continue
			}
			args := o.defaultArgs(name, message)
			output := o.execute(ctx, tool, args)
			o.ledger.CountFunctionCall(name, callModel, encodeArgs(args), output)
			records = append(records, domain.FunctionCallRecord{
				Name:       name,
				Arguments:  args,
				Output:     output,
				CallID:     "reasoning_forced_" + name,
				IsFallback: true,
				Reasoning:  "Reasoning에서 선택됨: " + reasoning,
			})
		}
	}

	// Path 3: keyword fallback for the cafeteria menu
	if err := ctx.Err(); err != nil {
		return reasoning, records, err
	}
	if record, ok := o.cafeteriaFallback(ctx, message, callModel, records); ok {
		records = append(records, record)
	}

	return reasoning, records, nil
}

// analyzeReasoning asks the model why/which tools are relevant. Purely
// explanatory; failures degrade to no reasoning.
func (o *Orchestrator) analyzeReasoning(ctx context.Context, message string) (string, []string) {
	provider, model, err := o.roles.Resolve("function_analyze")
	if err != nil {
		o.logger.Warn("function_analyze role unavailable", slog.String("error", err.Error()))
		return "", nil
	}

	prompt := fmt.Sprintf(
		"사용자 메시지를 보고 어떤 도구가 필요한지 추론하세요. 사용 가능한 도구: %s. "+
			"도구가 필요 없으면 selected_tools를 빈 배열로 반환하세요.",
		strings.Join(o.registry.Names(), ", "))

	messages := []domain.Message{
		{Role: domain.RoleSystem, Content: prompt},
		{Role: domain.RoleUser, Content: message},
	}

	raw, usage, err := provider.StructuredCompletion(ctx, messages, analyzeSchema, nil)
	o.ledger.RecordFunction("function_analyze", model, usage)
	if err != nil {
		o.logger.Warn("tool reasoning pass failed", slog.String("error", err.Error()))
		return "", nil
	}

	var payload struct {
		Reasoning     string   `json:"reasoning"`
		SelectedTools []string `json:"selected_tools"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		o.logger.Warn("tool reasoning payload malformed", slog.String("error", err.Error()))
		return "", nil
	}
	return payload.Reasoning, payload.SelectedTools
}

// extractToolCalls asks a tool-enabled model for structured calls. The
// current date is included so relative dates resolve correctly. The
// resolved model name is returned so call-token estimates are priced
// against the model that served the path.
func (o *Orchestrator) extractToolCalls(ctx context.Context, message string) ([]domain.ToolCall, string) {
	provider, model, err := o.roles.Resolve("function_calling")
	if err != nil {
		o.logger.Warn("function_calling role unavailable", slog.String("error", err.Error()))
		return nil, ""
	}
	tcp, ok := provider.(domain.ToolCallingProvider)
	if !ok {
		o.logger.Warn("function_calling provider does not support tool calls",
			slog.String("provider", provider.ProviderName()))
		return nil, model
	}

	system := fmt.Sprintf(
		"오늘 날짜는 %s입니다. '오늘', '내일', '모레' 같은 상대 날짜는 반드시 YYYY-MM-DD 형식의 실제 날짜로 변환해 인자에 넣으세요. "+
			"필요한 도구만 호출하고, 필요 없으면 호출하지 마세요.",
		o.now().Format("2006-01-02"))

	messages := []domain.Message{
		{Role: domain.RoleSystem, Content: system},
		{Role: domain.RoleUser, Content: message},
	}

	result, err := tcp.ToolCompletion(ctx, messages, o.registry.Specs(), nil)
	if err != nil {
		o.logger.Warn("tool-call extraction failed", slog.String("error", err.Error()))
		return nil, model
	}
	o.ledger.RecordFunction("function_calling", model, result.Usage)
	return result.Calls, model
}

// executeModelCall runs one model-requested call. Unknown tool names and
// unparseable arguments are skipped, not fatal.
func (o *Orchestrator) executeModelCall(ctx context.Context, call domain.ToolCall, model, message, reasoning string) (domain.FunctionCallRecord, bool) {
	var args map[string]any
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		o.logger.Warn("tool call arguments unparseable",
			slog.String("tool", call.Name), slog.String("error", err.Error()))
		return domain.FunctionCallRecord{}, false
	}
	// JSON null decodes into a nil map without an error; it cannot take
	// the default-argument writes below, so skip it like any other
	// non-object payload.
	if args == nil {
		o.logger.Warn("tool call arguments not an object", slog.String("tool", call.Name))
		return domain.FunctionCallRecord{}, false
	}
	tool, ok := o.registry.Lookup(call.Name)
	if !ok {
		o.logger.Warn("model requested unregistered tool", slog.String("tool", call.Name))
		return domain.FunctionCallRecord{}, false
	}

	// Safe defaults for commonly omitted arguments
	switch call.Name {
	case "get_halla_cafeteria_menu":
		if _, ok := args["date"]; !ok {
			args["date"] = "오늘"
		}
	case "search_internet":
		if _, ok := args["user_input"]; !ok {
			args["user_input"] = message
		}
	}

	output := o.execute(ctx, tool, args)
	o.ledger.CountFunctionCall(call.Name, model, encodeArgs(args), output)

	callID := call.CallID
	if callID == "" {
		callID = "call_unknown"
	}
	return domain.FunctionCallRecord{
		Name:       call.Name,
		Arguments:  args,
		Output:     output,
		CallID:     callID,
		IsFallback: false,
		Reasoning:  reasoning,
	}, true
}

// cafeteriaFallback force-calls the cafeteria tool when meal keywords
// appear in the message and nothing called it yet.
func (o *Orchestrator) cafeteriaFallback(ctx context.Context, message, model string, records []domain.FunctionCallRecord) (domain.FunctionCallRecord, bool) {
	lowered := strings.ToLower(message)
	matched := false
	for _, kw := range cafeteriaKeywords {
		if strings.Contains(lowered, kw) {
			matched = true
			break
		}
	}
	if !matched || hasRecord(records, "get_halla_cafeteria_menu") {
		return domain.FunctionCallRecord{}, false
	}

	tool, ok := o.registry.Lookup("get_halla_cafeteria_menu")
	if !ok {
		return domain.FunctionCallRecord{}, false
	}

	args := map[string]any{"date": "오늘"}
	if meal := extractMeal(lowered); meal != "" {
		args["meal"] = meal
	}

	output := o.execute(ctx, tool, args)
	o.ledger.CountFunctionCall("get_halla_cafeteria_menu", model, encodeArgs(args), output)
	return domain.FunctionCallRecord{
		Name:       "get_halla_cafeteria_menu",
		Arguments:  args,
		Output:     output,
		CallID:     "cafeteria_auto",
		IsFallback: true,
		Reasoning:  "키워드 기반 학식 메뉴 자동 호출",
	}, true
}

// execute runs a tool and encodes any failure as an error string.
// Context cancellation is re-raised by the callers via ctx.Err().
func (o *Orchestrator) execute(ctx context.Context, tool Tool, args map[string]any) string {
	output, err := tool.Fn(ctx, args)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				// Turn-level cancellation; the caller's ctx.Err()
				// check will propagate it.
				return "❌ 함수 실행 취소됨"
			}
		}
		o.logger.Warn("tool execution failed",
			slog.String("tool", tool.Name), slog.String("error", err.Error()))
		return fmt.Sprintf("❌ 함수 실행 오류: %v", err)
	}
	return output
}

// defaultArgs synthesizes arguments for reasoning-forced execution.
func (o *Orchestrator) defaultArgs(name, message string) map[string]any {
	switch name {
	case "search_internet":
		return map[string]any{"user_input": message}
	case "get_halla_cafeteria_menu":
		date := "오늘"
		lowered := strings.ToLower(message)
		switch {
		case strings.Contains(lowered, "모레"):
			date = "모레"
		case strings.Contains(lowered, "내일"):
			date = "내일"
		case strings.Contains(lowered, "어제"):
			date = "어제"
		default:
			if m := datePattern.FindString(message); m != "" {
				date = m
			}
		}
		return map[string]any{"date": date}
	default:
		return map[string]any{}
	}
}

func extractMeal(lowered string) string {
	switch {
	case strings.Contains(lowered, "조식") || strings.Contains(lowered, "아침"):
		return "조식"
	case strings.Contains(lowered, "석식") || strings.Contains(lowered, "저녁"):
		return "석식"
	case strings.Contains(lowered, "점심") || strings.Contains(lowered, "중식"):
		return "중식"
	default:
		return ""
	}
}

func hasRecord(records []domain.FunctionCallRecord, name string) bool {
	for _, r := range records {
		if r.Name == name {
			return true
		}
	}
	return false
}

func encodeArgs(args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(b)
}

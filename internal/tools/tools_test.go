package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/hallabot/regubot/internal/domain"
)

type stubProvider struct {
	name       string
	model      string
	simpleFn   func(ctx context.Context, msgs []domain.Message) (string, domain.Usage, error)
	structured func(ctx context.Context, msgs []domain.Message) (string, domain.Usage, error)
	toolsFn    func(ctx context.Context, msgs []domain.Message, specs []domain.ToolSpec) (*domain.ToolCallResult, error)
}

func (s *stubProvider) ProviderName() string { return s.name }
func (s *stubProvider) ModelName() string    { return s.model }

func (s *stubProvider) SimpleCompletion(ctx context.Context, msgs []domain.Message, _ *domain.CompletionOptions) (string, domain.Usage, error) {
	if s.simpleFn == nil {
		return "", domain.Usage{}, errors.New("not configured")
	}
	return s.simpleFn(ctx, msgs)
}

func (s *stubProvider) StructuredCompletion(ctx context.Context, msgs []domain.Message, _ json.RawMessage, _ *domain.CompletionOptions) (string, domain.Usage, error) {
	if s.structured == nil {
		return "", domain.Usage{}, errors.New("not configured")
	}
	return s.structured(ctx, msgs)
}

func (s *stubProvider) ToolCompletion(ctx context.Context, msgs []domain.Message, specs []domain.ToolSpec, _ *domain.CompletionOptions) (*domain.ToolCallResult, error) {
	if s.toolsFn == nil {
		return &domain.ToolCallResult{}, nil
	}
	return s.toolsFn(ctx, msgs, specs)
}

func (s *stubProvider) CountTokens(text string) (int, error) { return len(text) / 4, nil }

type stubResolver struct {
	providers map[string]domain.Provider
}

func (r *stubResolver) Resolve(role string) (domain.Provider, string, error) {
	p, ok := r.providers[role]
	if !ok {
		return nil, "", fmt.Errorf("role %q not mapped", role)
	}
	return p, p.ModelName(), nil
}

type nopLedger struct{}

func (nopLedger) RecordFunction(string, string, domain.Usage)  {}
func (nopLedger) CountFunctionCall(string, string, string, string) {}

type countedCall struct {
	name  string
	model string
}

type captureLedger struct {
	counted []countedCall
}

func (c *captureLedger) RecordFunction(string, string, domain.Usage) {}

func (c *captureLedger) CountFunctionCall(name, model, _, _ string) {
	c.counted = append(c.counted, countedCall{name: name, model: model})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func analyzeProvider(reasoning string, tools []string) *stubProvider {
	return &stubProvider{
		name:  "stub",
		model: "stub-analyze",
		structured: func(context.Context, []domain.Message) (string, domain.Usage, error) {
			payload := map[string]any{"reasoning": reasoning, "selected_tools": tools}
			b, _ := json.Marshal(payload)
			return string(b), domain.Usage{InputTokens: 10, OutputTokens: 5}, nil
		},
	}
}

func callingProvider(calls ...domain.ToolCall) *stubProvider {
	return &stubProvider{
		name:  "stub",
		model: "stub-calling",
		toolsFn: func(context.Context, []domain.Message, []domain.ToolSpec) (*domain.ToolCallResult, error) {
			return &domain.ToolCallResult{Calls: calls, Usage: domain.Usage{InputTokens: 20}}, nil
		},
	}
}

func newTestRegistry(t *testing.T, outputs map[string]string) *Registry {
	t.Helper()
	reg := NewRegistry()
	for name, out := range outputs {
		out := out
		reg.Register(Tool{
			Name:       name,
			Parameters: json.RawMessage(`{"type":"object"}`),
			Fn: func(context.Context, map[string]any) (string, error) {
				return out, nil
			},
		})
	}
	return reg
}

func TestModelToolCallPath(t *testing.T) {
	reg := newTestRegistry(t, map[string]string{
		"get_shuttle_bus_info": "09:00 캠퍼스 순환",
	})
	resolver := &stubResolver{providers: map[string]domain.Provider{
		"function_analyze": analyzeProvider("셔틀 정보 필요", []string{"get_shuttle_bus_info"}),
		"function_calling": callingProvider(domain.ToolCall{
			CallID:    "call_abc",
			Name:      "get_shuttle_bus_info",
			Arguments: `{"route":"순환"}`,
		}),
	}}
	orch := NewOrchestrator(reg, resolver, nopLedger{}, discardLogger())

	reasoning, records, err := orch.AnalyzeAndExecute(context.Background(), "셔틀 언제 와?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reasoning != "셔틀 정보 필요" {
		t.Fatalf("reasoning = %q", reasoning)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	r := records[0]
	if r.IsFallback {
		t.Error("model-chosen call must not be marked fallback")
	}
	if r.CallID != "call_abc" {
		t.Errorf("call id = %q", r.CallID)
	}
	if r.Output != "09:00 캠퍼스 순환" {
		t.Errorf("output = %q", r.Output)
	}
	if r.Arguments["route"] != "순환" {
		t.Errorf("arguments = %v", r.Arguments)
	}
}

func TestReasoningForcedSkippedWhenModelCalled(t *testing.T) {
	executions := 0
	reg := NewRegistry()
	reg.Register(Tool{
		Name:       "get_shuttle_bus_info",
		Parameters: json.RawMessage(`{"type":"object"}`),
		Fn: func(context.Context, map[string]any) (string, error) {
			executions++
			return "schedule", nil
		},
	})
	resolver := &stubResolver{providers: map[string]domain.Provider{
		"function_analyze": analyzeProvider("셔틀", []string{"get_shuttle_bus_info"}),
		"function_calling": callingProvider(domain.ToolCall{
			CallID: "call_1", Name: "get_shuttle_bus_info", Arguments: `{}`,
		}),
	}}
	orch := NewOrchestrator(reg, resolver, nopLedger{}, discardLogger())

	_, records, err := orch.AnalyzeAndExecute(context.Background(), "셔틀버스 시간표")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if executions != 1 {
		t.Fatalf("tool executed %d times, want 1", executions)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
}

func TestReasoningForcedExecution(t *testing.T) {
	reg := newTestRegistry(t, map[string]string{
		"search_internet": "검색 결과입니다.",
	})
	resolver := &stubResolver{providers: map[string]domain.Provider{
		"function_analyze": analyzeProvider("최신 정보가 필요함", []string{"search_internet"}),
		"function_calling": callingProvider(), // no calls
	}}
	orch := NewOrchestrator(reg, resolver, nopLedger{}, discardLogger())

	_, records, err := orch.AnalyzeAndExecute(context.Background(), "요즘 등록금 뉴스 알려줘")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	r := records[0]
	if !r.IsFallback {
		t.Error("reasoning-forced call must be marked fallback")
	}
	if r.CallID != "reasoning_forced_search_internet" {
		t.Errorf("call id = %q", r.CallID)
	}
	if !strings.HasPrefix(r.Reasoning, "Reasoning에서 선택됨: ") {
		t.Errorf("reasoning = %q", r.Reasoning)
	}
	if r.Arguments["user_input"] != "요즘 등록금 뉴스 알려줘" {
		t.Errorf("arguments = %v", r.Arguments)
	}
}

func TestNullToolArgumentsSkipped(t *testing.T) {
	executions := 0
	reg := NewRegistry()
	for _, name := range []string{"get_halla_cafeteria_menu", "get_shuttle_bus_info"} {
		reg.Register(Tool{
			Name:       name,
			Parameters: json.RawMessage(`{"type":"object"}`),
			Fn: func(context.Context, map[string]any) (string, error) {
				executions++
				return "ok", nil
			},
		})
	}
	resolver := &stubResolver{providers: map[string]domain.Provider{
		"function_analyze": analyzeProvider("", nil),
		"function_calling": callingProvider(
			domain.ToolCall{CallID: "call_1", Name: "get_halla_cafeteria_menu", Arguments: `null`},
			domain.ToolCall{CallID: "call_2", Name: "get_shuttle_bus_info", Arguments: `{}`},
		),
	}}
	orch := NewOrchestrator(reg, resolver, nopLedger{}, discardLogger())

	_, records, err := orch.AnalyzeAndExecute(context.Background(), "셔틀 정보 알려줘")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if executions != 1 {
		t.Fatalf("tool executed %d times, want 1", executions)
	}
	if len(records) != 1 || records[0].Name != "get_shuttle_bus_info" {
		t.Fatalf("records = %+v, want only the shuttle call", records)
	}
}

func TestFunctionCallCountedWithModel(t *testing.T) {
	led := &captureLedger{}
	reg := newTestRegistry(t, map[string]string{
		"get_halla_cafeteria_menu": "중식: 제육볶음",
		"get_shuttle_bus_info":     "09:00 순환",
	})
	resolver := &stubResolver{providers: map[string]domain.Provider{
		"function_analyze": analyzeProvider("", nil),
		"function_calling": callingProvider(domain.ToolCall{
			CallID: "call_1", Name: "get_shuttle_bus_info", Arguments: `{}`,
		}),
	}}
	orch := NewOrchestrator(reg, resolver, led, discardLogger())

	// model-chosen path plus the cafeteria keyword fallback in one turn
	_, _, err := orch.AnalyzeAndExecute(context.Background(), "셔틀이랑 오늘 학식 알려줘")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(led.counted) != 2 {
		t.Fatalf("counted calls = %d, want 2", len(led.counted))
	}
	for _, c := range led.counted {
		if c.model != "stub-calling" {
			t.Errorf("call %q counted with model %q, want stub-calling", c.name, c.model)
		}
	}
}

func TestCafeteriaKeywordFallback(t *testing.T) {
	reg := newTestRegistry(t, map[string]string{
		"get_halla_cafeteria_menu": "중식: 제육볶음",
	})
	resolver := &stubResolver{providers: map[string]domain.Provider{
		"function_analyze": analyzeProvider("", nil),
		"function_calling": callingProvider(),
	}}
	orch := NewOrchestrator(reg, resolver, nopLedger{}, discardLogger())

	_, records, err := orch.AnalyzeAndExecute(context.Background(), "오늘 점심 메뉴 뭐야?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	r := records[0]
	if !r.IsFallback {
		t.Error("keyword fallback must be marked fallback")
	}
	if r.CallID != "cafeteria_auto" {
		t.Errorf("call id = %q", r.CallID)
	}
	if r.Reasoning != "키워드 기반 학식 메뉴 자동 호출" {
		t.Errorf("reasoning = %q", r.Reasoning)
	}
	if r.Arguments["date"] != "오늘" {
		t.Errorf("date = %v", r.Arguments["date"])
	}
	if r.Arguments["meal"] != "중식" {
		t.Errorf("meal = %v", r.Arguments["meal"])
	}
}

func TestCafeteriaFallbackNotDuplicated(t *testing.T) {
	executions := 0
	reg := NewRegistry()
	reg.Register(Tool{
		Name:       "get_halla_cafeteria_menu",
		Parameters: json.RawMessage(`{"type":"object"}`),
		Fn: func(context.Context, map[string]any) (string, error) {
			executions++
			return "식단", nil
		},
	})
	resolver := &stubResolver{providers: map[string]domain.Provider{
		"function_analyze": analyzeProvider("", nil),
		"function_calling": callingProvider(domain.ToolCall{
			CallID: "call_menu", Name: "get_halla_cafeteria_menu", Arguments: `{"date":"2026-08-30"}`,
		}),
	}}
	orch := NewOrchestrator(reg, resolver, nopLedger{}, discardLogger())

	_, records, err := orch.AnalyzeAndExecute(context.Background(), "저녁 학식 메뉴")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if executions != 1 {
		t.Fatalf("tool executed %d times, want 1", executions)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].IsFallback {
		t.Error("model call must win over keyword fallback")
	}
}

func TestExecutionErrorEncoded(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Tool{
		Name:       "get_shuttle_bus_info",
		Parameters: json.RawMessage(`{"type":"object"}`),
		Fn: func(context.Context, map[string]any) (string, error) {
			return "", errors.New("upstream returned status 503")
		},
	})
	resolver := &stubResolver{providers: map[string]domain.Provider{
		"function_analyze": analyzeProvider("", nil),
		"function_calling": callingProvider(domain.ToolCall{
			CallID: "call_x", Name: "get_shuttle_bus_info", Arguments: `{}`,
		}),
	}}
	orch := NewOrchestrator(reg, resolver, nopLedger{}, discardLogger())

	_, records, err := orch.AnalyzeAndExecute(context.Background(), "셔틀 알려줘")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	want := "❌ 함수 실행 오류: upstream returned status 503"
	if records[0].Output != want {
		t.Errorf("output = %q, want %q", records[0].Output, want)
	}
}

func TestCancellationPropagates(t *testing.T) {
	reg := newTestRegistry(t, map[string]string{"search_internet": "x"})
	ctx, cancel := context.WithCancel(context.Background())
	resolver := &stubResolver{providers: map[string]domain.Provider{
		"function_analyze": analyzeProvider("검색", []string{"search_internet"}),
		"function_calling": &stubProvider{
			name:  "stub",
			model: "stub-calling",
			toolsFn: func(context.Context, []domain.Message, []domain.ToolSpec) (*domain.ToolCallResult, error) {
				cancel()
				return &domain.ToolCallResult{Calls: []domain.ToolCall{
					{CallID: "call_1", Name: "search_internet", Arguments: `{}`},
				}}, nil
			},
		},
	}}
	orch := NewOrchestrator(reg, resolver, nopLedger{}, discardLogger())

	_, _, err := orch.AnalyzeAndExecute(ctx, "뉴스 검색")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestAnalyzeFailureDegrades(t *testing.T) {
	reg := newTestRegistry(t, map[string]string{"get_halla_cafeteria_menu": "식단"})
	resolver := &stubResolver{providers: map[string]domain.Provider{
		"function_analyze": &stubProvider{
			name: "stub", model: "m",
			structured: func(context.Context, []domain.Message) (string, domain.Usage, error) {
				return "", domain.Usage{}, errors.New("provider down")
			},
		},
		"function_calling": callingProvider(),
	}}
	orch := NewOrchestrator(reg, resolver, nopLedger{}, discardLogger())

	reasoning, records, err := orch.AnalyzeAndExecute(context.Background(), "오늘 학식 뭐 나와?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reasoning != "" {
		t.Errorf("reasoning = %q, want empty", reasoning)
	}
	// keyword fallback still fires
	if len(records) != 1 || records[0].CallID != "cafeteria_auto" {
		t.Fatalf("records = %+v", records)
	}
}

func TestDefaultArgsDateExtraction(t *testing.T) {
	orch := NewOrchestrator(NewRegistry(), &stubResolver{}, nopLedger{}, discardLogger())
	cases := []struct {
		message string
		want    string
	}{
		{"내일 학식 알려줘", "내일"},
		{"모레 메뉴는?", "모레"},
		{"어제 점심 뭐 나왔어", "어제"},
		{"2026-09-01 식단 알려줘", "2026-09-01"},
		{"2026.9.1 식단", "2026.9.1"},
		{"학식 알려줘", "오늘"},
	}
	for _, tc := range cases {
		args := orch.defaultArgs("get_halla_cafeteria_menu", tc.message)
		if args["date"] != tc.want {
			t.Errorf("defaultArgs(%q) date = %v, want %q", tc.message, args["date"], tc.want)
		}
	}
}

func TestResolveRelativeDate(t *testing.T) {
	if got := resolveRelativeDate("2026-09-01"); got != "2026-09-01" {
		t.Errorf("explicit date passthrough = %q", got)
	}
	if got := resolveRelativeDate("오늘"); len(got) != len("2006-01-02") {
		t.Errorf("오늘 = %q, want YYYY-MM-DD", got)
	}
}

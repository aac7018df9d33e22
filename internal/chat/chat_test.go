package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hallabot/regubot/internal/config"
	"github.com/hallabot/regubot/internal/domain"
	"github.com/hallabot/regubot/internal/ledger"
	"github.com/hallabot/regubot/internal/rag"
	"github.com/hallabot/regubot/internal/tokens"
)

type streamStub struct {
	model  string
	deltas []domain.StreamDelta
}

func (s *streamStub) ProviderName() string { return "stub" }
func (s *streamStub) ModelName() string    { return s.model }

func (s *streamStub) SimpleCompletion(context.Context, []domain.Message, *domain.CompletionOptions) (string, domain.Usage, error) {
	return "", domain.Usage{}, errors.New("not used")
}

func (s *streamStub) StructuredCompletion(context.Context, []domain.Message, json.RawMessage, *domain.CompletionOptions) (string, domain.Usage, error) {
	return "", domain.Usage{}, errors.New("not used")
}

func (s *streamStub) CountTokens(text string) (int, error) { return len(text) / 4, nil }

func (s *streamStub) Stream(context.Context, []domain.Message, *domain.CompletionOptions) (<-chan domain.StreamDelta, error) {
	ch := make(chan domain.StreamDelta, len(s.deltas))
	for _, d := range s.deltas {
		ch <- d
	}
	close(ch)
	return ch, nil
}

type stubRoles struct {
	provider domain.Provider
	preset   string
}

func (r *stubRoles) Resolve(string) (domain.Provider, string, error) {
	return r.provider, r.provider.ModelName(), nil
}

func (r *stubRoles) ActivePreset() string { return r.preset }

type stubRag struct{ result rag.Result }

func (s *stubRag) Retrieve(context.Context, string) rag.Result { return s.result }

type stubCondenser struct{ out string }

func (s *stubCondenser) Condense(_ context.Context, _, raw string) string {
	if s.out != "" {
		return s.out
	}
	return raw
}

type stubTools struct {
	reasoning string
	records   []domain.FunctionCallRecord
	err       error
}

func (s *stubTools) AnalyzeAndExecute(context.Context, string) (string, []domain.FunctionCallRecord, error) {
	return s.reasoning, s.records, s.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newOrchestrator(ragSvc RagService, toolRunner ToolRunner, provider domain.Provider) *Orchestrator {
	counter := tokens.NewRegistry()
	led := ledger.New(counter)
	prices := ledger.NewPriceTable(config.PricingConfig{})
	return NewOrchestrator(
		ragSvc,
		&stubCondenser{},
		toolRunner,
		&stubRoles{provider: provider, preset: "default"},
		led,
		prices,
		counter,
		"당신은 대학 규정 안내 챗봇입니다.",
		"KOR",
		discardLogger(),
	)
}

func collectEvents(t *testing.T, o *Orchestrator, req Request) ([]domain.StreamEvent, *Result) {
	t.Helper()
	var events []domain.StreamEvent
	result, err := o.StreamTurn(context.Background(), req, func(ev domain.StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}
	return events, result
}

func eventCounts(events []domain.StreamEvent) map[domain.StreamEventType]int {
	counts := make(map[domain.StreamEventType]int)
	for _, ev := range events {
		counts[ev.Type]++
	}
	return counts
}

func TestPlainGreetingTurn(t *testing.T) {
	provider := &streamStub{
		model: "gpt-4o-mini",
		deltas: []domain.StreamDelta{
			{Content: "안녕하세요! "},
			{Content: "무엇을 도와드릴까요?", Usage: &domain.Usage{InputTokens: 40, OutputTokens: 12}},
		},
	}
	ragSvc := &stubRag{result: rag.Result{
		Decision: domain.GateDecision{IsRegulation: false, Reason: "인사말"},
		Package:  domain.DocumentPackage{Source: domain.SourceNone},
	}}
	o := newOrchestrator(ragSvc, &stubTools{}, provider)

	events, result := collectEvents(t, o, Request{Message: "안녕?", Language: "KOR"})

	counts := eventCounts(events)
	if counts[domain.EventMetadata] != 1 {
		t.Errorf("metadata events = %d, want 1", counts[domain.EventMetadata])
	}
	if counts[domain.EventDone] != 1 {
		t.Errorf("done events = %d, want 1", counts[domain.EventDone])
	}
	if counts[domain.EventError] != 0 {
		t.Errorf("error events = %d, want 0", counts[domain.EventError])
	}
	if events[len(events)-1].Type != domain.EventDone {
		t.Error("done must be the final event")
	}

	if result.Completed != "안녕하세요! 무엇을 도와드릴까요?" {
		t.Errorf("completed = %q", result.Completed)
	}

	meta := result.Metadata
	if meta.Rag == nil {
		t.Fatal("rag metadata must always be present")
	}
	if meta.Rag.IsRegulation {
		t.Error("greeting must not be classified as regulation")
	}
	if meta.Rag.GateReason != "인사말" {
		t.Errorf("gate reason = %q", meta.Rag.GateReason)
	}
	if meta.WebSearchStatus != domain.WebSearchNotRun {
		t.Errorf("web status = %q", meta.WebSearchStatus)
	}
	if meta.ToolReasoning != nil {
		t.Error("tool reasoning must be absent without executed calls")
	}
	if meta.TokenUsage == nil {
		t.Fatal("token usage missing")
	}
	if meta.TokenUsage.InputTokens != 40 || meta.TokenUsage.OutputTokens != 12 {
		t.Errorf("reported usage must replace the estimate, got in=%d out=%d",
			meta.TokenUsage.InputTokens, meta.TokenUsage.OutputTokens)
	}
	if meta.TokenUsage.Preset != "default" {
		t.Errorf("preset = %q", meta.TokenUsage.Preset)
	}
}

func TestRegulationTurnWithRetrieval(t *testing.T) {
	provider := &streamStub{
		model:  "gpt-4o",
		deltas: []domain.StreamDelta{{Content: "졸업에는 130학점이 필요합니다."}},
	}
	ragSvc := &stubRag{result: rag.Result{
		Decision: domain.GateDecision{IsRegulation: true, Reason: "학사 규정 질문"},
		Hits:     []domain.RetrievalHit{{ID: "chunk-1", Score: 0.9}},
		ChunkIDs: []string{"chunk-1"},
		Package: domain.DocumentPackage{
			MergedText:    "제1조 졸업요건: 총 130학점 이상 이수.",
			Source:        domain.SourceDocumentStore,
			DocumentCount: 1,
			Attributions: []domain.SourceAttribution{
				{Title: "학칙", SourceFile: "학칙.hwp", LawArticleID: "제1조"},
			},
		},
	}}
	o := newOrchestrator(ragSvc, &stubTools{}, provider)

	events, result := collectEvents(t, o, Request{Message: "졸업조건알려줘", Language: "KOR"})

	meta := result.Metadata
	if meta.Rag == nil || !meta.Rag.IsRegulation {
		t.Fatal("rag metadata must reflect the gate decision")
	}
	if meta.Rag.ContextSource != domain.SourceDocumentStore {
		t.Errorf("context source = %q", meta.Rag.ContextSource)
	}
	if meta.Rag.RawContext == "" || meta.Rag.CondensedContext == "" {
		t.Error("raw and condensed context must be recorded")
	}
	if len(meta.Rag.SourceDocuments) != 1 {
		t.Fatalf("source documents = %d", len(meta.Rag.SourceDocuments))
	}

	// citation trailer must follow the answer and strip the extension
	var sawDocsHeader, sawDocLine bool
	for _, ev := range events {
		if ev.Type != domain.EventDelta {
			continue
		}
		if strings.Contains(ev.Content, "📚 참고 문서:") {
			sawDocsHeader = true
		}
		if strings.Contains(ev.Content, "  - 학칙 (학칙)") {
			sawDocLine = true
		}
	}
	if !sawDocsHeader || !sawDocLine {
		t.Errorf("document citations missing: header=%v line=%v", sawDocsHeader, sawDocLine)
	}
}

func TestCafeteriaFallbackTurn(t *testing.T) {
	provider := &streamStub{
		model:  "gpt-4o-mini",
		deltas: []domain.StreamDelta{{Content: "오늘 중식은 제육볶음입니다."}},
	}
	ragSvc := &stubRag{result: rag.Result{
		Decision: domain.GateDecision{IsRegulation: false, Reason: "식단 질문"},
		Package:  domain.DocumentPackage{Source: domain.SourceNone},
	}}
	toolRunner := &stubTools{
		reasoning: "학식 관련 질문",
		records: []domain.FunctionCallRecord{{
			Name:       "get_halla_cafeteria_menu",
			Arguments:  map[string]any{"date": "오늘", "meal": "중식"},
			Output:     "중식: 제육볶음, 미역국",
			CallID:     "cafeteria_auto",
			IsFallback: true,
			Reasoning:  "키워드 기반 학식 메뉴 자동 호출",
		}},
	}
	o := newOrchestrator(ragSvc, toolRunner, provider)

	_, result := collectEvents(t, o, Request{Message: "오늘 점심 메뉴 뭐야?", Language: "KOR"})

	meta := result.Metadata
	if meta.FunctionsCount != 1 {
		t.Fatalf("functions count = %d", meta.FunctionsCount)
	}
	if !meta.Functions[0].IsFallback || meta.Functions[0].CallID != "cafeteria_auto" {
		t.Errorf("function metadata = %+v", meta.Functions[0])
	}
	if meta.ToolReasoning == nil {
		t.Fatal("tool reasoning must be present when a call executed")
	}
	if len(meta.ToolReasoning.SelectedTools) != 1 || meta.ToolReasoning.SelectedTools[0] != "get_halla_cafeteria_menu" {
		t.Errorf("selected tools = %v", meta.ToolReasoning.SelectedTools)
	}
	if meta.WebSearchStatus != domain.WebSearchNotRun {
		t.Errorf("web status = %q, want not-run", meta.WebSearchStatus)
	}
}

func TestToolCancellationEmitsError(t *testing.T) {
	provider := &streamStub{model: "gpt-4o-mini"}
	ragSvc := &stubRag{result: rag.Result{Package: domain.DocumentPackage{Source: domain.SourceNone}}}
	o := newOrchestrator(ragSvc, &stubTools{err: context.Canceled}, provider)

	var events []domain.StreamEvent
	_, err := o.StreamTurn(context.Background(), Request{Message: "검색해줘"}, func(ev domain.StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(events) != 1 || events[0].Type != domain.EventError {
		t.Fatalf("events = %+v, want single error event", events)
	}
}

func TestPromptSectionOrdering(t *testing.T) {
	b := &promptBuilder{
		instruction: "규정을 정확히 안내하세요.",
		now:         func() time.Time { return time.Date(2026, 8, 30, 14, 30, 25, 0, time.UTC) },
	}
	funcs := []domain.FunctionCallRecord{
		{
			Name:      "search_internet",
			Arguments: map[string]any{"user_input": "등록금"},
			Output:    "등록금 공지가 게시되었습니다.\n\n📎 출처:\n[공지](https://example.ac.kr/notice)",
		},
		{
			Name:      "get_shuttle_bus_info",
			Arguments: map[string]any{},
			Output:    "09:00 순환버스",
		},
	}

	messages, status := b.build("등록금 납부 기한 알려줘", nil, "제3조 등록금은 학기 개시 전 납부한다.", funcs, "ENG")
	if status != domain.WebSearchOK {
		t.Errorf("web status = %q, want ok", status)
	}

	last := messages[len(messages)-1]
	if last.Role != domain.RoleSystem {
		t.Fatalf("augmented prompt must be a system message, got %q", last.Role)
	}
	content := last.Content

	order := []string{
		"[현재 날짜/시간]",
		"[사용자쿼리지침]",
		"[일반지침]",
		"[기억검색지침]",
		"[기억검색]",
		"[웹검색지침]",
		"[인터넷 검색결과]",
		"[함수결과지침]",
		"[함수결과]",
		"[웹검색상태]",
		"[통합지침]",
		"[언어지침]",
	}
	pos := -1
	for _, marker := range order {
		idx := strings.Index(content, marker)
		if idx < 0 {
			t.Fatalf("section %q missing", marker)
		}
		if idx < pos {
			t.Fatalf("section %q out of order", marker)
		}
		pos = idx
	}

	if !strings.HasSuffix(strings.TrimSpace(content), "Please respond kindly in English.") {
		t.Error("language directive must be the last element")
	}
	if strings.Contains(content, "2026.08.30 14:30:25") == false {
		t.Error("current datetime missing")
	}
	// web-search source links must not leak into the prompt body
	if strings.Contains(content, "📎 출처:") {
		t.Error("source-link section must be stripped from the function block")
	}
}

func TestPromptWithoutAugmentation(t *testing.T) {
	b := &promptBuilder{instruction: "지침", now: time.Now}
	history := []domain.Message{
		{Role: domain.RoleSystem, Content: "지침"},
		{Role: domain.RoleUser, Content: "이전 질문"},
		{Role: domain.RoleAssistant, Content: "이전 답변"},
	}
	messages, status := b.build("안녕?", history, "", nil, "JPN")
	if status != domain.WebSearchNotRun {
		t.Errorf("status = %q", status)
	}
	if len(messages) != len(history)+2 {
		t.Fatalf("messages = %d, want history + user + language", len(messages))
	}
	last := messages[len(messages)-1]
	if last.Role != domain.RoleSystem || !strings.HasPrefix(last.Content, "[언어지침]\n") {
		t.Fatalf("trailing message = %+v", last)
	}
	if !strings.Contains(last.Content, "日本語") {
		t.Errorf("language directive = %q", last.Content)
	}
	if strings.Contains(last.Content, "[현재 날짜/시간]") {
		t.Error("no augmentation sections expected for a plain turn")
	}
}

func TestPromptWebStatusEmptyOrError(t *testing.T) {
	b := &promptBuilder{instruction: "지침", now: time.Now}
	funcs := []domain.FunctionCallRecord{{
		Name:      "search_internet",
		Arguments: map[string]any{"user_input": "x"},
		Output:    "❌ 함수 실행 오류: upstream returned status 503",
	}}

	messages, status := b.build("질문", nil, "규정 본문", funcs, "KOR")
	if status != domain.WebSearchEmptyOrError {
		t.Fatalf("status = %q, want empty-or-error", status)
	}
	content := messages[len(messages)-1].Content
	if !strings.Contains(content, "[웹검색상태]\n결과없음/오류") {
		t.Error("status section missing")
	}
	if !strings.Contains(content, "[웹검색결과없음지침]") {
		t.Error("no-result directive missing")
	}
	if !strings.Contains(content, "'정보 없음'이라고 하지 말고") {
		t.Error("merge directive must carry the empty-or-error note")
	}
}

func TestFunctionOutputTruncatedInPrompt(t *testing.T) {
	b := &promptBuilder{instruction: "지침", now: time.Now}
	long := strings.Repeat("가", 5000)
	funcs := []domain.FunctionCallRecord{{
		Name:      "get_halla_academic_calendar",
		Arguments: map[string]any{"month": "2026-09"},
		Output:    long,
	}}
	messages, _ := b.build("학사일정", nil, "", funcs, "KOR")
	content := messages[len(messages)-1].Content
	if !strings.Contains(content, "...<truncated>") {
		t.Error("long output must be truncated")
	}
	if strings.Contains(content, long) {
		t.Error("full output must not appear in the prompt")
	}
}

func TestExtractWebLinks(t *testing.T) {
	funcs := []domain.FunctionCallRecord{
		{
			Name: "search_internet",
			Output: "본문에 [안내](https://example.ac.kr/a) 링크가 있습니다.\n\n" +
				"📎 출처:\n[공지](https://example.ac.kr/notice)\n[안내](https://example.ac.kr/a)\n" +
				"[WEB_METADATA]{\"ignored\": true}",
		},
		{Name: "get_shuttle_bus_info", Output: "[가짜](https://example.ac.kr/fake)"},
	}
	links := extractWebLinks(funcs)
	want := []string{
		"[공지](https://example.ac.kr/notice)",
		"[안내](https://example.ac.kr/a)",
	}
	if len(links) != len(want) {
		t.Fatalf("links = %v", links)
	}
	for i := range want {
		if links[i] != want[i] {
			t.Errorf("links[%d] = %q, want %q", i, links[i], want[i])
		}
	}
}

func TestFormatRagSources(t *testing.T) {
	docs := []domain.SourceAttribution{
		{Title: "학칙", SourceFile: "학칙.hwp"},
		{Title: "학칙", SourceFile: "학칙.HWP"}, // dedup after extension strip
		{Title: "장학금 지급 규정", SourceFile: ""},
		{SourceFile: "등록금규정.pdf"},
		{LawArticleID: "제12조"},
		{}, // all empty, skipped
	}
	got := formatRagSources(docs)
	want := "  - 학칙 (학칙)\n  - 장학금 지급 규정\n  - 등록금규정\n  - 제12조"
	if got != want {
		t.Errorf("formatRagSources =\n%q\nwant\n%q", got, want)
	}
}

func TestWebLinkCitationEvents(t *testing.T) {
	provider := &streamStub{
		model:  "gpt-4o-mini",
		deltas: []domain.StreamDelta{{Content: "공지를 확인했습니다."}},
	}
	ragSvc := &stubRag{result: rag.Result{Package: domain.DocumentPackage{Source: domain.SourceNone}}}
	toolRunner := &stubTools{
		reasoning: "최신 공지 검색 필요",
		records: []domain.FunctionCallRecord{{
			Name:      "search_internet",
			Arguments: map[string]any{"user_input": "공지"},
			Output:    "공지 요약입니다.\n\n📎 출처:\n[학교 공지](https://example.ac.kr/n/1)",
			CallID:    "call_1",
		}},
	}
	o := newOrchestrator(ragSvc, toolRunner, provider)

	events, result := collectEvents(t, o, Request{Message: "최근 공지사항 알려줘"})

	var sawHeader, sawLink bool
	for _, ev := range events {
		if ev.Type != domain.EventDelta {
			continue
		}
		if strings.Contains(ev.Content, "📎 참고 링크:") {
			sawHeader = true
		}
		if strings.Contains(ev.Content, "  - [학교 공지](https://example.ac.kr/n/1)") {
			sawLink = true
		}
	}
	if !sawHeader || !sawLink {
		t.Errorf("web citations missing: header=%v link=%v", sawHeader, sawLink)
	}
	if result.Metadata.WebSearchStatus != domain.WebSearchOK {
		t.Errorf("web status = %q", result.Metadata.WebSearchStatus)
	}
}

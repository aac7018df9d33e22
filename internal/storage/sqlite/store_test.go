package sqlite

import (
	"context"
	"testing"

	"github.com/hallabot/regubot/internal/domain"
	"github.com/hallabot/regubot/internal/storage"
)

func TestSaveAndListTurns(t *testing.T) {
	store, err := New("file:turns1?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	turn := &storage.TurnRecord{
		ConversationID:   "conv-1",
		UserMessage:      "졸업조건알려줘",
		AssistantMessage: "졸업에는 130학점이 필요합니다.",
		Language:         "KOR",
		Metadata: &domain.TurnMetadata{
			Rag: &domain.RagMetadata{
				IsRegulation: true,
				GateReason:   "학사 규정 질문",
				ChunkIDs:     []string{"chunk-1"},
			},
			Functions:       []domain.FunctionCallMetadata{},
			WebSearchStatus: domain.WebSearchNotRun,
			TokenUsage: &domain.TokenUsageMetadata{
				InputTokens:  100,
				OutputTokens: 30,
				TotalTokens:  130,
				TotalCostUSD: 0.00055,
				Currency:     "USD",
				Model:        "gpt-4o",
				Preset:       "default",
			},
			DurationMS: 1200,
		},
	}

	if err := store.SaveTurn(context.Background(), turn); err != nil {
		t.Fatalf("SaveTurn() error = %v", err)
	}
	if turn.ID == "" {
		t.Fatal("SaveTurn must assign an id")
	}

	turns, err := store.ListTurns(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("ListTurns() error = %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(turns))
	}

	got := turns[0]
	if got.UserMessage != turn.UserMessage {
		t.Errorf("UserMessage = %q", got.UserMessage)
	}
	if got.Metadata == nil || got.Metadata.Rag == nil {
		t.Fatal("metadata must round-trip")
	}
	if !got.Metadata.Rag.IsRegulation {
		t.Error("rag metadata lost on round trip")
	}
	if got.Metadata.TokenUsage == nil || got.Metadata.TokenUsage.TotalTokens != 130 {
		t.Errorf("token usage = %+v", got.Metadata.TokenUsage)
	}
}

func TestSaveTurnWithoutMetadata(t *testing.T) {
	store, err := New("file:turns2?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	turn := &storage.TurnRecord{
		ConversationID:   "conv-2",
		UserMessage:      "안녕?",
		AssistantMessage: "안녕하세요!",
		Language:         "KOR",
	}
	if err := store.SaveTurn(context.Background(), turn); err != nil {
		t.Fatalf("SaveTurn() error = %v", err)
	}

	turns, err := store.ListTurns(context.Background(), "conv-2")
	if err != nil {
		t.Fatalf("ListTurns() error = %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(turns))
	}
	if turns[0].Metadata != nil {
		t.Error("metadata must be nil when none was saved")
	}
}

func TestFetchManyPreservesOrder(t *testing.T) {
	store, err := New("file:docs1?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	docs := []domain.Document{
		{ID: "chunk-a", Text: "제1조 졸업요건", Title: "학칙", SourceFile: "학칙.hwp", LawArticleID: "제1조"},
		{ID: "chunk-b", Text: "제2조 이수학점", Title: "학칙", SourceFile: "학칙.hwp", LawArticleID: "제2조"},
		{ID: "chunk-c", Text: "제3조 등록금", Title: "등록금규정", SourceFile: "등록금규정.pdf", LawArticleID: "제3조"},
	}
	if err := store.UpsertDocuments(context.Background(), docs); err != nil {
		t.Fatalf("UpsertDocuments() error = %v", err)
	}

	got, err := store.FetchMany(context.Background(), []string{"chunk-c", "missing", "chunk-a"})
	if err != nil {
		t.Fatalf("FetchMany() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("docs = %d, want 2 (missing id skipped)", len(got))
	}
	if got[0].ID != "chunk-c" || got[1].ID != "chunk-a" {
		t.Errorf("order = [%s, %s], want input order", got[0].ID, got[1].ID)
	}
	if got[0].Title != "등록금규정" {
		t.Errorf("Title = %q", got[0].Title)
	}
}

func TestFetchManyEmptyInput(t *testing.T) {
	store, err := New("file:docs2?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	got, err := store.FetchMany(context.Background(), nil)
	if err != nil {
		t.Fatalf("FetchMany() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("docs = %d, want 0", len(got))
	}
}

func TestUpsertDocumentsReplaces(t *testing.T) {
	store, err := New("file:docs3?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.UpsertDocuments(ctx, []domain.Document{{ID: "c1", Text: "v1"}}); err != nil {
		t.Fatalf("UpsertDocuments() error = %v", err)
	}
	if err := store.UpsertDocuments(ctx, []domain.Document{{ID: "c1", Text: "v2"}}); err != nil {
		t.Fatalf("UpsertDocuments() error = %v", err)
	}

	got, err := store.FetchMany(ctx, []string{"c1"})
	if err != nil {
		t.Fatalf("FetchMany() error = %v", err)
	}
	if len(got) != 1 || got[0].Text != "v2" {
		t.Errorf("got = %+v, want replaced text", got)
	}
}

// Package rag implements the retrieval pipeline: regulation gate, vector
// retrieval, document assembly and context condensation.
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hallabot/regubot/internal/domain"
)

// GateVia records which path produced a gate decision.
type GateVia string

const (
	GateViaModel    GateVia = "model"
	GateViaKeywords GateVia = "keyword_fallback"
)

// gateKeywords are the fallback regulation-domain terms. The pipeline must
// keep working when the LLM gate is completely unavailable.
var gateKeywords = []string{
	"학사", "규정", "졸업", "수강", "성적", "장학", "징계", "학점", "전공",
	"복학", "휴학", "재입학", "전과", "교과", "비교과", "조기졸업", "장학금",
	"등록", "수료", "학위", "이수", "필수", "선택", "학부", "학과",
}

const gateSystemPrompt = "당신은 대학 규정 챗봇의 분류기입니다. " +
	"사용자 질문이 학칙/규정/세칙 문서 검색이 필요한 질문인지 판단하세요. " +
	"is_regulation(불리언)과 reason(판단 이유)을 JSON으로 반환하세요."

var gateSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"is_regulation": {"type": "boolean"},
		"reason": {"type": "string"}
	},
	"required": ["is_regulation", "reason"],
	"additionalProperties": false
}`)

// Resolver resolves a role to a provider instance and model id.
type Resolver interface {
	Resolve(role string) (domain.Provider, string, error)
}

// UsageRecorder receives token usage attributed to a role.
type UsageRecorder interface {
	RecordRag(role, model string, usage domain.Usage)
}

// Gate decides whether a question needs regulation lookup.
type Gate struct {
	roles  Resolver
	usage  UsageRecorder
	logger *slog.Logger
}

// NewGate creates a regulation gate.
func NewGate(roles Resolver, usage UsageRecorder, logger *slog.Logger) *Gate {
	return &Gate{roles: roles, usage: usage, logger: logger}
}

// Decide classifies the question. On any provider or payload failure it
// falls back to keyword containment; the returned GateVia lets tests and
// metadata distinguish the two paths, and the fallback reason always
// explains that the fallback was used.
func (g *Gate) Decide(ctx context.Context, question string) (domain.GateDecision, GateVia) {
	decision, err := g.decideWithModel(ctx, question)
	if err == nil {
		return decision, GateViaModel
	}

	g.logger.Warn("gate model decision failed, using keyword fallback",
		slog.String("error", err.Error()))

	matched := false
	for _, kw := range gateKeywords {
		if strings.Contains(question, kw) {
			matched = true
			break
		}
	}
	return domain.GateDecision{
		IsRegulation: matched,
		Reason:       fmt.Sprintf("LLM 판단 실패로 키워드 기반 폴백 사용 (%v)", err),
	}, GateViaKeywords
}

func (g *Gate) decideWithModel(ctx context.Context, question string) (domain.GateDecision, error) {
	provider, model, err := g.roles.Resolve("gate")
	if err != nil {
		return domain.GateDecision{}, err
	}

	messages := []domain.Message{
		{Role: domain.RoleSystem, Content: gateSystemPrompt},
		{Role: domain.RoleUser, Content: question},
	}

	raw, usage, err := provider.StructuredCompletion(ctx, messages, gateSchema, nil)
	g.usage.RecordRag("gate", model, usage)
	if err != nil {
		return domain.GateDecision{}, err
	}

	var payload struct {
		IsRegulation *bool  `json:"is_regulation"`
		Reason       string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return domain.GateDecision{}, domain.ErrMalformedOutput("gate payload is not valid JSON")
	}
	if payload.IsRegulation == nil {
		return domain.GateDecision{}, domain.ErrMalformedOutput("gate payload missing is_regulation")
	}

	return domain.GateDecision{
		IsRegulation: *payload.IsRegulation,
		Reason:       strings.TrimSpace(payload.Reason),
	}, nil
}

package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hallabot/regubot/internal/domain"
)

const (
	// sanitized input is clamped to this many bytes before prompting
	maxRawContextLen = 30000

	// a first-pass result shorter than this triggers the broader pass
	minCondensedLen = 200

	// hard-truncation length used when both passes fail
	fallbackTruncateLen = 6000
)

// Condenser compresses a large merged context into question-relevant
// excerpts while preserving table headers, footnotes and numbered-item
// structure.
type Condenser struct {
	roles  Resolver
	usage  UsageRecorder
	logger *slog.Logger
}

// NewCondenser creates a context condenser.
func NewCondenser(roles Resolver, usage UsageRecorder, logger *slog.Logger) *Condenser {
	return &Condenser{roles: roles, usage: usage, logger: logger}
}

// Condense runs up to two condensation passes and keeps the richer
// result. It never fails: on total provider failure the sanitized raw
// context is hard-truncated instead.
func (c *Condenser) Condense(ctx context.Context, question, rawContext string) string {
	sanitized := sanitizeContext(rawContext)

	provider, model, err := c.roles.Resolve("condense")
	if err != nil {
		c.logger.Warn("condense role unavailable, truncating raw context", slog.String("error", err.Error()))
		return truncate(sanitized, fallbackTruncateLen)
	}

	first, err := c.runPass(ctx, provider, model, condensePrompt(question, sanitized))
	if err != nil {
		c.logger.Warn("condensation failed, truncating raw context", slog.String("error", err.Error()))
		return truncate(sanitized, fallbackTruncateLen)
	}

	if len(first) >= minCondensedLen {
		return first
	}

	// Over-compressed: demand a broader extraction and keep whichever
	// result is richer (line count first, then length).
	second, err := c.runPass(ctx, provider, model, broaderPrompt(question, sanitized))
	if err != nil {
		c.logger.Warn("broader condensation pass failed", slog.String("error", err.Error()))
		return first
	}
	if lineCount(second) >= lineCount(first) && len(second) > len(first) {
		return second
	}
	return first
}

func (c *Condenser) runPass(ctx context.Context, provider domain.Provider, model, prompt string) (string, error) {
	messages := []domain.Message{{Role: domain.RoleSystem, Content: prompt}}
	text, usage, err := provider.SimpleCompletion(ctx, messages, nil)
	c.usage.RecordRag("condense", model, usage)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func condensePrompt(question, sanitized string) string {
	return fmt.Sprintf(`당신은 긴 규정/세칙 문서 묶음에서 사용자 질문과 직접 관련된 부분을 "넓은 맥락"으로 추출·표시하는 어시스턴트입니다.
규칙(넓은 맥락 포함):
1) 원문 전체는 <기억검색> 태그 안에 있습니다.
2) 사용자 질문과 직접 관련된 근거는 <반영>...</반영> 태그 안에 담되, 다음을 포함하세요.
- 표/목록/번호 조항은 해당 항목의 머리글(제목/헤더)과 인접 행·항까지 함께 포함(최소 ±5~10줄 맥락).
- "주)" 형태의 주석/비고가 붙은 경우 해당 주석 전부 포함.
- 학점·과목·배분영역·트랙과 같은 숫자/항목은 표의 열 머리말과 같이 포함(헤더+행 세트).
3) 사용자가 특정 번호(예: 1번, 2번)를 언급했지만 모호할 경우, 후보 번호 2~3개를 모두 포함하되 각 블록 앞에 [후보] 표기.
4) 관련 근거가 충분치 않다고 판단되면, 상위 단락(조/항/표 제목) 단위까지 확장하여 최소 15줄 이상을 담고, 지나친 요약을 피하세요.
5) 원문 구조(조/항/호/표 제목)는 유지하고 임의 재작성 금지. 반드시 원문을 거의 그대로 인용하세요.
6) 원문 밖 추론/창작 금지.

사용자 질문: %s
<기억검색>%s</기억검색>`, question, sanitized)
}

func broaderPrompt(question, sanitized string) string {
	return fmt.Sprintf(`당신은 사용자 질문과 관련된 표/번호조항/주석의 전체 맥락을 넓게 포함해 추출합니다.
반드시 다음을 지키세요:
- <반영>...</반영> 안에 헤더(표 제목/열 머리말) + 관련 행/항 전부와 해당 주석(주)까지 포함.
- 최소 25줄 이상, 가능하면 관련 블록을 통째로 포함(불필요한 요약 금지).
- 모호하면 후보 블록 2~3개를 [후보]로 나누어 모두 포함.
원문: <기억검색>%s</기억검색>
질문: %s`, sanitized, question)
}

// sanitizeContext strips control characters (keeping newline and tab),
// neutralizes any closing delimiter that would prematurely end the
// wrapping tag, and clamps the length.
func sanitizeContext(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r == '\n' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	out := strings.ReplaceAll(b.String(), "</기억검색>", "[/기억검색]")
	return truncate(out, maxRawContextLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Avoid splitting a multibyte sequence at the cut point
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

func lineCount(s string) int {
	return strings.Count(s, "\n")
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hallabot/regubot/internal/config"
	"github.com/hallabot/regubot/internal/domain"
)

// Fetchers builds the built-in content tools. Each is a thin HTTP
// fetcher; the scraping/parsing heuristics live behind the upstream
// endpoints and are swappable.
type Fetchers struct {
	cfg    config.ToolsConfig
	client *http.Client
	roles  RoleResolver
	usage  UsageRecorder
}

// RoleResolver resolves a role to a provider instance and model id.
type RoleResolver interface {
	Resolve(role string) (domain.Provider, string, error)
}

// UsageRecorder receives token usage attributed to a role.
type UsageRecorder interface {
	RecordFunction(role, model string, usage domain.Usage)
}

// NewFetchers creates the built-in tool implementations.
func NewFetchers(cfg config.ToolsConfig, roles RoleResolver, usage UsageRecorder) *Fetchers {
	timeout := time.Duration(cfg.FetchTimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Fetchers{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		roles:  roles,
		usage:  usage,
	}
}

// RegisterAll registers the four built-in tools.
func (f *Fetchers) RegisterAll(r *Registry) {
	r.Register(Tool{
		Name:        "search_internet",
		Description: "인터넷에서 최신 정보를 검색합니다. 규정 문서에 없는 시사/공지/일반 정보 질문에 사용하세요.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"user_input": {"type": "string", "description": "검색할 질문"}
			},
			"required": ["user_input"]
		}`),
		Fn: f.SearchInternet,
	})
	r.Register(Tool{
		Name:        "get_halla_cafeteria_menu",
		Description: "학교 식당의 식단 메뉴를 조회합니다. date는 오늘/내일/모레/어제 또는 YYYY-MM-DD, meal은 조식/중식/석식.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"date": {"type": "string", "description": "조회할 날짜"},
				"meal": {"type": "string", "description": "끼니 (조식/중식/석식)"}
			}
		}`),
		Fn: f.CafeteriaMenu,
	})
	r.Register(Tool{
		Name:        "get_halla_academic_calendar",
		Description: "학사일정을 조회합니다. month는 YYYY-MM 형식.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"month": {"type": "string", "description": "조회할 월 (YYYY-MM)"}
			}
		}`),
		Fn: f.AcademicCalendar,
	})
	r.Register(Tool{
		Name:        "get_shuttle_bus_info",
		Description: "셔틀버스 운행 정보를 조회합니다.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"route": {"type": "string", "description": "노선 이름 (선택)"}
			}
		}`),
		Fn: f.ShuttleBus,
	})
}

// SearchInternet answers via the web_search role's provider.
func (f *Fetchers) SearchInternet(ctx context.Context, args map[string]any) (string, error) {
	query := stringArg(args, "user_input")
	if query == "" {
		return "", fmt.Errorf("user_input is required")
	}

	provider, model, err := f.roles.Resolve("web_search")
	if err != nil {
		return "", err
	}

	messages := []domain.Message{
		{Role: domain.RoleSystem, Content: "당신은 웹 검색 결과를 요약하는 어시스턴트입니다. " +
			"검색 결과를 한국어로 요약하고, 참고한 링크를 '📎 출처:' 섹션에 [제목](URL) 형식으로 나열하세요. " +
			"결과를 찾을 수 없으면 그 사실을 명확히 알리세요."},
		{Role: domain.RoleUser, Content: query},
	}

	text, usage, err := provider.SimpleCompletion(ctx, messages, nil)
	f.usage.RecordFunction("web_search", model, usage)
	if err != nil {
		return "", err
	}
	return text, nil
}

// CafeteriaMenu fetches the cafeteria menu for a date and optional meal.
func (f *Fetchers) CafeteriaMenu(ctx context.Context, args map[string]any) (string, error) {
	if f.cfg.CafeteriaURL == "" {
		return "", fmt.Errorf("cafeteria endpoint not configured")
	}
	params := url.Values{}
	params.Set("date", resolveRelativeDate(stringArg(args, "date")))
	if meal := stringArg(args, "meal"); meal != "" {
		params.Set("meal", meal)
	}
	return f.fetch(ctx, f.cfg.CafeteriaURL, params)
}

// AcademicCalendar fetches the academic calendar for a month.
func (f *Fetchers) AcademicCalendar(ctx context.Context, args map[string]any) (string, error) {
	if f.cfg.AcademicCalURL == "" {
		return "", fmt.Errorf("academic calendar endpoint not configured")
	}
	params := url.Values{}
	month := stringArg(args, "month")
	if month == "" {
		month = time.Now().Format("2006-01")
	}
	params.Set("month", month)
	return f.fetch(ctx, f.cfg.AcademicCalURL, params)
}

// ShuttleBus fetches the shuttle schedule.
func (f *Fetchers) ShuttleBus(ctx context.Context, args map[string]any) (string, error) {
	if f.cfg.ShuttleURL == "" {
		return "", fmt.Errorf("shuttle endpoint not configured")
	}
	params := url.Values{}
	if route := stringArg(args, "route"); route != "" {
		params.Set("route", route)
	}
	return f.fetch(ctx, f.cfg.ShuttleURL, params)
}

func (f *Fetchers) fetch(ctx context.Context, endpoint string, params url.Values) (string, error) {
	u := endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	return strings.TrimSpace(string(body)), nil
}

// resolveRelativeDate converts Korean relative-date words to YYYY-MM-DD.
// Unrecognized values pass through untouched.
func resolveRelativeDate(date string) string {
	now := time.Now()
	switch strings.TrimSpace(date) {
	case "", "오늘":
		return now.Format("2006-01-02")
	case "내일":
		return now.AddDate(0, 0, 1).Format("2006-01-02")
	case "모레":
		return now.AddDate(0, 0, 2).Format("2006-01-02")
	case "어제":
		return now.AddDate(0, 0, -1).Format("2006-01-02")
	default:
		return date
	}
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

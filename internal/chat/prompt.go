// Package chat runs the per-turn pipeline: retrieval and tool execution
// in parallel, context condensation, layered prompt assembly, streaming
// generation and metadata finalization.
package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hallabot/regubot/internal/domain"
)

const functionOutputMaxLen = 4000

var languageInstructions = map[string]string{
	"KOR": "한국어로 정중하고 따뜻하게 답해주세요.",
	"ENG": "Please respond kindly in English.",
	"VI":  "Vui lòng trả lời bằng tiếng Việt một cách nhẹ nhàng.",
	"JPN": "日本語で丁寧に温かく答えてください。",
	"CHN": "请用中文亲切地回答。",
	"UZB": "Iltimos, o'zbek tilida samimiy va hurmat bilan javob bering.",
	"MNG": "Монгол хэлээр эелдэг, дулаахан хариулна уу.",
	"IDN": "Tolong jawab dengan ramah dan hangat dalam bahasa Indonesia.",
}

// languageInstruction returns the response-language directive for a code.
// Unknown codes fall back to Korean.
func languageInstruction(language string) string {
	if instr, ok := languageInstructions[language]; ok {
		return instr
	}
	return languageInstructions["KOR"]
}

var webErrorKeywords = []string{
	"🚨",
	"❌",
	"오류",
	"error",
	"검색 결과를 찾을 수",
	"no result",
	"did_call=False",
}

func isErrorOrEmpty(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return true
	}
	lowered := strings.ToLower(t)
	for _, k := range webErrorKeywords {
		if strings.Contains(lowered, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// promptBuilder assembles the final model input for one turn. Section
// order is fixed; the language directive is always the last element.
type promptBuilder struct {
	instruction string
	now         func() time.Time
}

// build layers the augmentation sections into a single trailing system
// message appended to the history. When there is no retrieval context
// and no function results, only the language directive is appended.
// The returned status reflects web-search outcome for this prompt.
func (b *promptBuilder) build(message string, history []domain.Message, condensedRag string, funcs []domain.FunctionCallRecord, language string) ([]domain.Message, domain.WebSearchStatus) {
	base := make([]domain.Message, 0, len(history)+2)
	base = append(base, history...)
	base = append(base, domain.Message{Role: domain.RoleUser, Content: message})

	hasRag := strings.TrimSpace(condensedRag) != ""
	hasFuncs := len(funcs) > 0

	if !hasRag && !hasFuncs {
		base = append(base, domain.Message{
			Role:    domain.RoleSystem,
			Content: "[언어지침]\n" + languageInstruction(language),
		})
		return base, domain.WebSearchNotRun
	}

	var sections []string

	sections = append(sections, fmt.Sprintf(
		"[현재 날짜/시간]\n%s\n"+
			"이 날짜를 기준으로 '최신', '요즘', '최근' 등의 표현을 해석하세요.\n"+
			"**중요**: '공지사항'이라는 단어만 있어도 사용자는 현재 시점의 최신 공지사항을 원하는 것으로 이해하세요.",
		b.now().Format("2006.01.02 15:04:05")))

	sections = append(sections, "[사용자쿼리지침]\n"+fmt.Sprintf(
		"이것은 사용자 쿼리입니다: %s\n"+
			"다음 정보를 [사용자쿼리지침],[일반지침],[기억검색지침],[웹검색지침] 등 서술된 서술과 지침에 따라 사용자가 원하는 대답에 맞게 통합해 전달하세요.\n"+
			"- 함수호출 결과: 있으면 반영\n"+
			"- 기억검색 결과: 있으면 반영 / 함수 호출 존재 자체는 언급 금지",
		message))

	sections = append(sections, "[일반지침]\n"+b.instruction)

	if hasRag {
		sections = append(sections, "[기억검색지침]\n"+
			"기억검색 결과입니다. <반영> </반영> 태그 내부 내용을 보고 사용자의 원하는 쿼리에 맞게 대답하세요. "+
			"<기억검색></기억검색> 태그는 참조용이며 태그 밖 임의 창작 금지")
		sections = append(sections, "[기억검색]\n<기억검색>\n"+condensedRag+"\n</기억검색>")
	}

	webStatus := domain.WebSearchNotRun

	if hasFuncs {
		var webBlocks, otherBlocks []string
		var webOutputs []string

		for _, fc := range funcs {
			outText := fc.Output
			if fc.Name == "search_internet" {
				// The source-link section is re-emitted after the
				// stream; keep only the body here.
				if idx := strings.Index(outText, "📎 출처:"); idx >= 0 {
					outText = strings.TrimSpace(outText[:idx])
				}
			}
			if len(outText) > functionOutputMaxLen {
				outText = clipRunes(outText, functionOutputMaxLen) + "...<truncated>"
			}

			block := fmt.Sprintf("<function name='%s' args='%s'>\n%s\n</function>",
				fc.Name, encodeFunctionArgs(fc.Arguments), outText)

			if fc.Name == "search_internet" {
				webOutputs = append(webOutputs, outText)
				webBlocks = append(webBlocks, block)
			} else {
				otherBlocks = append(otherBlocks, block)
			}
		}

		if len(webOutputs) == 0 {
			webStatus = domain.WebSearchNotRun
		} else {
			allBad := true
			for _, t := range webOutputs {
				if !isErrorOrEmpty(t) {
					allBad = false
					break
				}
			}
			if allBad {
				webStatus = domain.WebSearchEmptyOrError
			} else {
				webStatus = domain.WebSearchOK
			}
		}

		sections = append(sections, "[웹검색지침]\n"+
			"다음은 인터넷 검색결과입니다. 공식 근거가 아니므로 참고용으로만 사용하세요. "+
			"검색이 안되어 우회/문의 안내만 있을 경우, 무시하고 이 내용은'참조만' 하세요. 반드시 기억검색 근거를 우선 반영하세요. 참조란 안내 전화번호 사이트만을 반영하는것을 말합니다 ")
		if len(webBlocks) > 0 {
			sections = append(sections, "[인터넷 검색결과]\n<인터넷검색>\n"+strings.Join(webBlocks, "\n")+"\n</인터넷검색>")
		}

		sections = append(sections, "[함수결과지침]\n"+
			"다음은 함수(검색/메뉴 등) 호출 결과입니다. <함수결과> 태그 내부 내용은 참고용이며, 반드시 아래 기억검색(<기억검색>) 근거를 우선 답변에 반영하세요. "+
			"'함수 호출'이라는 표현은 사용하지 말고, 거짓 정보 생성 금지.")
		if len(otherBlocks) > 0 {
			sections = append(sections, "[함수결과]\n<함수결과>\n"+strings.Join(otherBlocks, "\n")+"\n</함수결과>")
		}

		if webStatus != domain.WebSearchNotRun {
			statusKR := "정상"
			if webStatus == domain.WebSearchEmptyOrError {
				statusKR = "결과없음/오류"
			}
			sections = append(sections, "[웹검색상태]\n"+statusKR)
		}

		if webStatus == domain.WebSearchEmptyOrError || webStatus == domain.WebSearchNotRun {
			if hasRag {
				sections = append(sections, "[웹검색결과없음지침]\n인터넷 검색결과는 참고용입니다. 공식 규정은 아래 기억검색(<기억검색>) 근거를 반드시 우선 확인하세요. 검색이 되지 않거나 문의 안내만 있을 경우, 해당 내용은 참고만 하시고 반드시 아래 규정 근거를 답변에 반영하세요.")
			} else {
				sections = append(sections, "[웹검색결과없음지침]\n웹검색 결과는 없었습니다. 관련 근거를 찾지 못했음을 한 문장으로 간단히 알리고, 필요한 추가 정보를 한 문장으로 요청하세요.")
			}
		}
	}

	if hasRag && hasFuncs {
		extraNote := ""
		if webStatus == domain.WebSearchEmptyOrError {
			extraNote = " 웹검색이 결과없음/오류여도 기억검색이 존재하면 '정보 없음'이라고 하지 말고 기억검색 근거로 답할 것."
		}
		sections = append(sections, "[통합지침]\n"+
			"위 기억검색 근거(<기억검색>)와 인터넷 검색결과(<인터넷검색>), 기타 함수결과(<함수결과>)를 대조하여 모순 없이 답하세요. "+
			"핵심 답 먼저 제시하고, 필요한 근거만 축약 인용. 인터넷 검색결과는 참고용이며, 우회/문의 안내만 있을 경우 '참조만' 하고 -참조란 안내 전화번호 사이트만을 반영하는것을 말합니다   "+
			"반드시 기억검색 근거를 우선 반영하세요. 근거가 없으면 그 사실을 명시."+extraNote)
	}

	sections = append(sections, "[언어지침]\n"+languageInstruction(language))

	base = append(base, domain.Message{
		Role:    domain.RoleSystem,
		Content: strings.Join(sections, "\n\n"),
	})
	return base, webStatus
}

func encodeFunctionArgs(args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(b)
}

// clipRunes cuts at a byte length without splitting a UTF-8 sequence.
func clipRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

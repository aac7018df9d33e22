package chat

import (
	"regexp"
	"strings"

	"github.com/hallabot/regubot/internal/domain"
)

var (
	markdownLinkPattern = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	webLinkPattern      = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^)]+)\)`)
	fileExtPattern      = regexp.MustCompile(`(?i)\.(hwp|pdf|docx?|txt)$`)
)

// extractWebLinks pulls markdown links from web-search outputs, deduped
// by URL. Links under a "📎 출처:" section come first; any remaining
// http(s) links in the body follow.
func extractWebLinks(funcs []domain.FunctionCallRecord) []string {
	var links []string
	seen := make(map[string]bool)

	for _, fc := range funcs {
		if fc.Name != "search_internet" {
			continue
		}
		output := fc.Output
		if idx := strings.Index(output, "[WEB_METADATA]"); idx >= 0 {
			output = output[:idx]
		}

		if idx := strings.Index(output, "📎 출처:"); idx >= 0 {
			section := output[idx+len("📎 출처:"):]
			for _, m := range markdownLinkPattern.FindAllStringSubmatch(section, -1) {
				title, url := m[1], m[2]
				if !seen[url] {
					seen[url] = true
					links = append(links, "["+title+"]("+url+")")
				}
			}
		}

		for _, m := range webLinkPattern.FindAllStringSubmatch(output, -1) {
			title, url := m[1], m[2]
			if !seen[url] {
				seen[url] = true
				links = append(links, "["+title+"]("+url+")")
			}
		}
	}
	return links
}

// formatRagSources renders "제목 (파일명)" attribution lines, deduped,
// with common document extensions stripped from file names. Returns ""
// when nothing is attributable.
func formatRagSources(docs []domain.SourceAttribution) string {
	var lines []string
	seen := make(map[string]bool)

	for _, doc := range docs {
		title := strings.TrimSpace(doc.Title)
		sourceFile := strings.TrimSpace(doc.SourceFile)
		articleID := strings.TrimSpace(doc.LawArticleID)
		if title == "" && sourceFile == "" && articleID == "" {
			continue
		}
		if sourceFile != "" {
			sourceFile = fileExtPattern.ReplaceAllString(sourceFile, "")
		}

		var src string
		switch {
		case title != "" && sourceFile != "":
			src = title + " (" + sourceFile + ")"
		case title != "":
			src = title
		case sourceFile != "":
			src = sourceFile
		default:
			src = articleID
		}

		if !seen[src] {
			seen[src] = true
			lines = append(lines, "  - "+src)
		}
	}
	return strings.Join(lines, "\n")
}

package usecase

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
)

var (
	anyTagPattern        = regexp.MustCompile(`<[^>]+>`)
	finalAnswerPattern   = regexp.MustCompile(`(?s)<final-answer>(.*?)</final-answer>`)
	mostUsefulDocPattern = regexp.MustCompile(`(?s)<most-usefull?-doc>(.*?)</most-usefull?-doc>`)
)

// extractAnswer pulls the user-facing answer out of a raw model reply.
// Replies without any markup pass through unchanged.
func extractAnswer(reply string) (string, error) {
	if !anyTagPattern.MatchString(reply) {
		return strings.TrimSpace(reply), nil
	}
	match := finalAnswerPattern.FindStringSubmatch(reply)
	if len(match) < 2 {
		return "", domain.WrapError(domain.ErrResponseFormat, "extract answer", fmt.Errorf("missing final-answer markers"))
	}
	answer := strings.TrimSpace(match[1])
	if answer == "" {
		return "", domain.WrapError(domain.ErrResponseFormat, "extract answer", fmt.Errorf("empty final-answer"))
	}
	return answer, nil
}

// mostUsefulLink resolves the document the model picked to its source link.
func mostUsefulLink(reply string, evidence domain.EvidenceMap) string {
	match := mostUsefulDocPattern.FindStringSubmatch(reply)
	if len(match) < 2 {
		return ""
	}
	doc, ok := evidence[strings.TrimSpace(match[1])]
	if !ok {
		return ""
	}
	return doc.Link
}

package usecase

import (
	"sort"
	"strconv"
	"strings"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
)

// FuseHits merges three independently ranked hit lists into one evidence list.
// A hash is accepted when it appears in all three lists, or, unless
// quorumOnly is set, in at least two of them. Accepted hits are ordered by
// score descending and deduplicated keeping the highest scoring occurrence;
// equal scores keep the order in which the lists were given.
func FuseHits(a, b, c []domain.Hit, quorumOnly bool, lang domain.Lang) []domain.EvidenceDocument {
	accepted := acceptedHashes(hashSet(a), hashSet(b), hashSet(c), quorumOnly)
	if len(accepted) == 0 {
		return []domain.EvidenceDocument{}
	}

	candidates := make([]domain.Hit, 0, len(a)+len(b)+len(c))
	for _, hits := range [][]domain.Hit{a, b, c} {
		for _, hit := range hits {
			if _, ok := accepted[hit.Hash]; ok {
				candidates = append(candidates, hit)
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	out := make([]domain.EvidenceDocument, 0, len(accepted))
	seen := make(map[string]struct{}, len(accepted))
	for _, hit := range candidates {
		if _, dup := seen[hit.Hash]; dup {
			continue
		}
		seen[hit.Hash] = struct{}{}
		out = append(out, renderEvidence(hit, lang))
	}
	return out
}

func hashSet(hits []domain.Hit) map[string]struct{} {
	out := make(map[string]struct{}, len(hits))
	for _, hit := range hits {
		if strings.TrimSpace(hit.Hash) == "" {
			continue
		}
		out[hit.Hash] = struct{}{}
	}
	return out
}

func acceptedHashes(a, b, c map[string]struct{}, quorumOnly bool) map[string]struct{} {
	out := make(map[string]struct{})
	for hash := range a {
		_, inB := b[hash]
		_, inC := c[hash]
		if inB && inC {
			out[hash] = struct{}{}
		}
	}
	if quorumOnly {
		return out
	}

	addIntersection := func(x, y map[string]struct{}) {
		for hash := range x {
			if _, ok := y[hash]; ok {
				out[hash] = struct{}{}
			}
		}
	}
	addIntersection(a, b)
	addIntersection(b, c)
	addIntersection(c, a)
	return out
}

var markupEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func renderEvidence(hit domain.Hit, lang domain.Lang) domain.EvidenceDocument {
	var roles string
	if len(hit.RequiredRoles) > 0 {
		roles = "<required-role>" + markupEscaper.Replace(strings.Join(hit.RequiredRoles, ",")) + "</required-role>"
	}

	var b strings.Builder
	switch lang {
	case domain.LangIT:
		b.WriteString("<doc><category>")
		b.WriteString(markupEscaper.Replace(firstNonEmpty(hit.CategoryIT, hit.Category)))
		b.WriteString("</category><text>")
		b.WriteString(markupEscaper.Replace(firstNonEmpty(hit.TextIT, hit.Text)))
		b.WriteString("</text>")
	default:
		b.WriteString(`<doc similarity="`)
		b.WriteString(strconv.FormatFloat(hit.Score, 'f', -1, 64))
		b.WriteString(`"><category>`)
		b.WriteString(markupEscaper.Replace(hit.Category))
		b.WriteString("</category><text>")
		b.WriteString(markupEscaper.Replace(hit.Text))
		b.WriteString("</text>")
	}
	b.WriteString(roles)
	b.WriteString("</doc>")

	roleCopy := make([]string, len(hit.RequiredRoles))
	copy(roleCopy, hit.RequiredRoles)
	return domain.EvidenceDocument{
		Hash:          hit.Hash,
		Score:         hit.Score,
		RenderedText:  b.String(),
		Link:          hit.Link,
		Category:      hit.Category,
		RequiredRoles: roleCopy,
	}
}

// CacheCandidates derives the cache refresh input from fused evidence.
// Votes are left nil so stored counters survive the refresh.
func CacheCandidates(evidence []domain.EvidenceDocument) []domain.CacheCandidate {
	out := make([]domain.CacheCandidate, 0, len(evidence))
	for _, doc := range evidence {
		out = append(out, domain.CacheCandidate{
			Hash:     doc.Hash,
			Data:     doc.RenderedText,
			Link:     doc.Link,
			Category: doc.Category,
		})
	}
	return out
}

func evidenceMapOf(evidence []domain.EvidenceDocument) domain.EvidenceMap {
	out := make(domain.EvidenceMap, len(evidence))
	for _, doc := range evidence {
		out[doc.Hash] = doc
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

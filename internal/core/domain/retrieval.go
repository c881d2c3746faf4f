package domain

import (
	"fmt"
	"strings"
)

// SearchSource names one of the three independently configured searches.
type SearchSource string

const (
	SourceTextEN     SearchSource = "text_en"
	SourceTextIT     SearchSource = "text_it"
	SourceCategoryEN SearchSource = "category_en"
)

// Lang selects which language variant of a hit is rendered as evidence.
type Lang string

const (
	LangEN Lang = "en"
	LangIT Lang = "it"
)

func ParseLang(raw string) (Lang, error) {
	switch Lang(strings.ToLower(strings.TrimSpace(raw))) {
	case "", LangEN:
		return LangEN, nil
	case LangIT:
		return LangIT, nil
	default:
		return "", WrapError(ErrInvalidInput, "parse lang", fmt.Errorf("unsupported language %q, supported: en, it", raw))
	}
}

// Hit is one raw result of a single search backend.
type Hit struct {
	Hash          string   `json:"hash"`
	Score         float64  `json:"score"`
	Text          string   `json:"text"`
	TextIT        string   `json:"text_it,omitempty"`
	Category      string   `json:"category"`
	CategoryIT    string   `json:"category_it,omitempty"`
	Link          string   `json:"link"`
	RequiredRoles []string `json:"required_roles,omitempty"`
}

// EvidenceDocument is one fused, deduplicated and rendered search result.
type EvidenceDocument struct {
	Hash          string   `json:"hash"`
	Score         float64  `json:"score"`
	RenderedText  string   `json:"rendered_text"`
	Link          string   `json:"link"`
	Category      string   `json:"category"`
	RequiredRoles []string `json:"required_roles,omitempty"`
}

// EvidenceMap is keyed by content hash.
type EvidenceMap map[string]EvidenceDocument

// Merge inserts only hashes not already present and reports how many were added.
func (m EvidenceMap) Merge(incoming EvidenceMap) int {
	added := 0
	for hash, doc := range incoming {
		if _, exists := m[hash]; exists {
			continue
		}
		m[hash] = doc
		added++
	}
	return added
}

func (m EvidenceMap) Clone() EvidenceMap {
	out := make(EvidenceMap, len(m))
	for hash, doc := range m {
		out[hash] = doc
	}
	return out
}

// ValidateEvidence rejects entries whose key disagrees with the document hash.
func ValidateEvidence(evidence EvidenceMap) error {
	for hash, doc := range evidence {
		if strings.TrimSpace(hash) == "" {
			return WrapError(ErrInvalidInput, "validate evidence", fmt.Errorf("evidence hash must not be blank"))
		}
		if doc.Hash != "" && doc.Hash != hash {
			return WrapError(ErrInvalidInput, "validate evidence", fmt.Errorf("evidence key %s does not match document hash %s", hash, doc.Hash))
		}
	}
	return nil
}

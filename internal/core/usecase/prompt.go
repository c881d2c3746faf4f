package usecase

import (
	"sort"
	"strings"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
)

func buildUserPrompt(evidence domain.EvidenceMap, question string) string {
	var b strings.Builder
	b.WriteString("\nDocuments: ")
	b.WriteString(renderEvidenceBlock(evidence))
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\n")
	return b.String()
}

func renderEvidenceBlock(evidence domain.EvidenceMap) string {
	docs := make([]domain.EvidenceDocument, 0, len(evidence))
	for hash, doc := range evidence {
		if doc.Hash == "" {
			doc.Hash = hash
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		return docs[i].Hash < docs[j].Hash
	})

	var b strings.Builder
	b.WriteString("<documents>")
	for _, doc := range docs {
		b.WriteString("\n<document id=\"")
		b.WriteString(doc.Hash)
		b.WriteString("\">\n")
		b.WriteString(doc.RenderedText)
		b.WriteString("\n</document>")
	}
	if len(docs) > 0 {
		b.WriteString("\n")
	}
	b.WriteString("</documents>")
	return b.String()
}

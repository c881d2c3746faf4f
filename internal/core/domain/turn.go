package domain

// TurnResult is what one question/answer turn returns to the caller.
type TurnResult struct {
	ChatID   string             `json:"chat_id"`
	Answer   string             `json:"answer"`
	Link     string             `json:"link,omitempty"`
	Evidence []EvidenceDocument `json:"evidence"`
	Fallback bool               `json:"fallback"`
}

// GenerationParams are the fixed knobs passed to the language model.
type GenerationParams struct {
	MaxTokens   int
	Temperature float64
}

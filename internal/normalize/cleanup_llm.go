package normalize

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/aviov/ct-toru/internal/llm"
)

// llmPass submits the corrected text plus curated reference subsets for a
// final cleanup. On any failure it falls back to the text it was given; this
// step must never fail the pipeline.
func (n *Normalizer) llmPass(ctx context.Context, text string) string {
	user := buildCleanupUserContent(text, n.refs)
	content, err := n.chat.Complete(ctx, llm.Request{
		System:      n.rules.CleanupPrompt,
		User:        user,
		Temperature: n.rules.CleanupTemperature,
		MaxTokens:   2000,
	})
	if err != nil {
		n.log.WithError(err).Warn("llm cleanup pass failed, keeping rule-corrected text")
		return text
	}
	cleaned := strings.TrimSpace(llm.StripFences(content))
	if cleaned == "" {
		return text
	}
	return cleaned
}

func buildCleanupUserContent(text string, refs ReferenceSet) string {
	payload := map[string]any{
		"transcript": text,
		"reference": map[string][]string{
			"names":     refs.NameSubset,
			"companies": refs.CompanySubset,
			"addresses": refs.AddressSubset,
		},
	}
	data, _ := json.Marshal(payload)
	return string(data)
}

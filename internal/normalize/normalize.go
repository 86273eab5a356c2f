// Package normalize repairs speech-recognition artifacts in Estonian call
// transcripts: an ordered rule table, fuzzy correction against reference
// lists, general cleanup, and an optional LLM second pass. Normalization must
// never fail the pipeline; every step degrades to the text it was given.
package normalize

import (
	"context"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/aviov/ct-toru/internal/config"
	"github.com/aviov/ct-toru/internal/llm"
)

// Normalizer applies the full correction sequence to raw transcripts.
type Normalizer struct {
	rules    config.Rules
	compiled []compiledRule
	refs     ReferenceSet
	chat     llm.Chat
	cfg      config.PipelineConfig
	log      *logrus.Entry
}

type compiledRule struct {
	re      *regexp.Regexp
	replace string
}

func New(rules config.Rules, refs ReferenceSet, cfg config.PipelineConfig, chat llm.Chat, log *logrus.Entry) *Normalizer {
	n := &Normalizer{rules: rules, refs: refs, cfg: cfg, chat: chat, log: log}
	for _, rule := range rules.Corrections {
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			log.WithError(err).WithField("pattern", rule.Pattern).Warn("skipping bad correction rule")
			continue
		}
		n.compiled = append(n.compiled, compiledRule{re: re, replace: rule.Replace})
	}
	return n
}

// Normalize runs the correction sequence. The returned text is never empty
// when the input is non-empty.
func (n *Normalizer) Normalize(ctx context.Context, raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	text = n.applyRules(text)
	text = n.applyFuzzy(text)
	text = Cleanup(text)
	if n.cfg.UseLLMCleanup && n.chat != nil {
		text = n.llmPass(ctx, text)
	}
	return text
}

// applyRules runs each rule once, in list order. Later rules may depend on
// earlier corrections having already run.
func (n *Normalizer) applyRules(text string) string {
	for _, rule := range n.compiled {
		text = rule.re.ReplaceAllString(text, rule.replace)
	}
	return text
}

var (
	punctSpaceBefore = regexp.MustCompile(`\s+([,.!?;:])`)
	punctSpaceAfter  = regexp.MustCompile(`([,.!?;:])(\p{L})`)
	repeatedCommas   = regexp.MustCompile(`,(\s*,)+`)
	commaBeforeStop  = regexp.MustCompile(`,\s*([.!?])`)
	multiSpace       = regexp.MustCompile(`\s+`)
)

// Cleanup collapses accidental word repeats, normalizes punctuation spacing,
// and strips redundant commas.
func Cleanup(text string) string {
	text = collapseRepeats(text)
	text = punctSpaceBefore.ReplaceAllString(text, "$1")
	text = repeatedCommas.ReplaceAllString(text, ",")
	text = commaBeforeStop.ReplaceAllString(text, "$1")
	text = punctSpaceAfter.ReplaceAllString(text, "$1 $2")
	text = multiSpace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// collapseRepeats drops consecutive duplicate words, a common recognition
// stutter ("ma ma helistan").
func collapseRepeats(text string) string {
	words := strings.Fields(text)
	if len(words) < 2 {
		return text
	}
	out := words[:1]
	for _, w := range words[1:] {
		prev := strings.ToLower(strings.Trim(out[len(out)-1], ",.!?"))
		cur := strings.ToLower(strings.Trim(w, ",.!?"))
		if cur != "" && cur == prev {
			continue
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

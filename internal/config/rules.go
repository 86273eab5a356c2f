package config

import (
	"errors"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule is one ordered find-replace correction applied to raw transcripts.
// Pattern is a case-insensitive regular expression; rules run once each, in
// list order, and are never reapplied to their own output.
type Rule struct {
	Pattern string `yaml:"pattern"`
	Replace string `yaml:"replace"`
}

// Rules captures the transcript-repair tables and LLM cleanup tuning. The
// fields can be customized via rules.yaml; anything left empty falls back to
// the baked-in defaults.
type Rules struct {
	Corrections        []Rule  `yaml:"corrections"`
	FuzzyThreshold     int     `yaml:"fuzzy_threshold"`
	CleanupPrompt      string  `yaml:"cleanup_prompt"`
	CleanupTemperature float64 `yaml:"cleanup_temperature"`
}

const defaultFuzzyThreshold = 85

// DefaultRules returns the baked-in correction table and cleanup prompt.
// The corrections capture recurring Estonian speech-recognition artifacts
// observed in call transcripts: split compounds, the company name, and
// legal-entity suffixes heard as separate letters.
func DefaultRules() Rules {
	return Rules{
		FuzzyThreshold:     defaultFuzzyThreshold,
		CleanupTemperature: 0,
		Corrections: []Rule{
			{Pattern: `toru\s*abi`, Replace: "Toruabi"},
			// RE2 has no word boundary after non-ASCII letters, so the
			// delimiter after "ü" is captured and restored.
			{Pattern: `\bo\s*ü(\s|[,.!?]|$)`, Replace: "OÜ$1"},
			{Pattern: `\ba\.?\s*s\.?\b`, Replace: "AS"},
			{Pattern: `san\s*tehnik`, Replace: "santehnik"},
			{Pattern: `surve\s+pesu`, Replace: "survepesu"},
			{Pattern: `kanalisatsiooni\s+trass`, Replace: "kanalisatsioonitrass"},
			{Pattern: `rasva\s+püüdja`, Replace: "rasvapüüdja"},
			{Pattern: `ummistuse\s+ligi?\s*videerimine`, Replace: "ummistuse likvideerimine"},
			{Pattern: `lekke\s+otsing`, Replace: "lekkeotsing"},
			{Pattern: `hinna\s+pakkumi`, Replace: "hinnapakkumi"},
			{Pattern: `välja\s+kutse`, Replace: "väljakutse"},
			{Pattern: `tellimus\s+on\s+kinnitat\w*`, Replace: "Tellimus on kinnitatud"},
		},
		CleanupPrompt: `You are an expert editor of Estonian customer service call transcripts for a plumbing company.
Clean the transcript you are given. Requirements:
1. Fix obvious speech-recognition mistakes using the reference names, companies, and street names provided.
2. Preserve proper nouns unless they are clearly wrong; never invent dialogue.
3. Normalize address abbreviations (tn, pst, mnt) to full words.
4. Keep one call turn per line.
Return only the corrected transcript text with no commentary.`,
	}
}

// LoadRules reads a YAML rules file and overlays it onto the defaults.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	data, err := os.ReadFile(path)
	if err != nil {
		return rules, err
	}
	if len(data) == 0 {
		return rules, errors.New("empty rules file")
	}
	var parsed Rules
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return rules, err
	}
	return MergeRules(rules, parsed), nil
}

// MergeRules overlays non-empty override fields onto the base rules.
func MergeRules(base, override Rules) Rules {
	if len(override.Corrections) > 0 {
		base.Corrections = override.Corrections
	}
	if override.FuzzyThreshold > 0 {
		base.FuzzyThreshold = override.FuzzyThreshold
	}
	if override.CleanupPrompt != "" {
		base.CleanupPrompt = override.CleanupPrompt
	}
	if override.CleanupTemperature > 0 {
		base.CleanupTemperature = override.CleanupTemperature
	}
	return base
}

package normalize

import (
	"regexp"
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
)

// Structural patterns whose captures are candidates for fuzzy correction:
// a street name with an Estonian road-type suffix, a company name with a
// legal-entity suffix, and a person name after a self-identification phrase.
var (
	// \b is ASCII-only in RE2, so the company suffix delimiter is captured
	// explicitly instead of relying on a boundary after "Ü".
	streetPattern  = regexp.MustCompile(`(\p{Lu}[\p{Ll}\-]+)\s+(tee|tn|tänav|puiestee|pst|maantee|mnt)\b`)
	companyPattern = regexp.MustCompile(`(\p{Lu}[\p{L}\-]*(?:\s+\p{Lu}[\p{L}\-]*)*)\s+(OÜ|AS|MTÜ|TÜ|FIE|UÜ)(\s|[,.!?;:]|$)`)
	namePattern    = regexp.MustCompile(`((?i:minu nimi on|mina olen|siin räägib|helistab))\s+(\p{Lu}\p{Ll}+(?:\s+\p{Lu}\p{Ll}+)?)`)
)

// applyFuzzy replaces recognized-but-garbled entities with their closest
// reference entry when the similarity ratio clears the threshold. Categories
// with no reference data are left untouched.
func (n *Normalizer) applyFuzzy(text string) string {
	threshold := n.rules.FuzzyThreshold

	if len(n.refs.Addresses) > 0 {
		text = streetPattern.ReplaceAllStringFunc(text, func(match string) string {
			if best, ok := bestMatch(match, n.refs.Addresses, threshold); ok {
				return best
			}
			return match
		})
	}

	if len(n.refs.Companies) > 0 {
		text = companyPattern.ReplaceAllStringFunc(text, func(match string) string {
			groups := companyPattern.FindStringSubmatch(match)
			if groups == nil {
				return match
			}
			name, suffix, delim := groups[1], groups[2], groups[3]
			if best, ok := bestMatch(name, n.refs.Companies, threshold); ok {
				return best + " " + suffix + delim
			}
			return match
		})
	}

	if len(n.refs.Names) > 0 {
		text = namePattern.ReplaceAllStringFunc(text, func(match string) string {
			groups := namePattern.FindStringSubmatch(match)
			if groups == nil {
				return match
			}
			indicator, name := groups[1], groups[2]
			if best, ok := bestMatch(name, n.refs.Names, threshold); ok {
				return indicator + " " + best
			}
			return match
		})
	}
	return text
}

// bestMatch scans the reference list for the entry most similar to the
// candidate (0-100 ratio) and returns it when the score clears the threshold.
func bestMatch(candidate string, refs []string, threshold int) (string, bool) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", false
	}
	best := ""
	bestScore := 0
	for _, ref := range refs {
		score := fuzzy.Ratio(strings.ToLower(candidate), strings.ToLower(ref))
		if score > bestScore {
			bestScore = score
			best = ref
		}
	}
	if bestScore >= threshold && best != "" {
		return best, true
	}
	return "", false
}

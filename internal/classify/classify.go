// Package classify resolves a transcript to exactly one Toruabi service
// category. Keyword scoring never fails; the LLM strategy is layered on top
// under the configured precedence.
package classify

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/aviov/ct-toru/internal/config"
	"github.com/aviov/ct-toru/internal/llm"
)

// DefaultService is the catch-all category every classification falls back to.
const DefaultService = "Muu"

// Services is the closed set of work types the CRM accepts. Every
// classification decision resolves to exactly one member.
var Services = []string{
	"Ummistuse likvideerimine",
	"Hooldustööd",
	"Santehnilised tööd",
	"Elektritööd",
	"Survepesu",
	"Gaasitööd",
	"Keevitustööd",
	"Kaameravaatlus",
	"Lekkeotsing gaasiga",
	"Ehitustööd",
	"Rasvapüüdja tühjendus kuni 4m3",
	"Muu",
	"Freesimistööd",
	"Majasiseste kanalisatsioonitrasside pesu",
	"Fekaalivedu (1 koorem = kuni 5 m3)",
	"Hinnapakkumise küsimine",
	"Väljakutse tasu",
}

// IsValid reports membership in the closed service set.
func IsValid(service string) bool {
	for _, s := range Services {
		if s == service {
			return true
		}
	}
	return false
}

// serviceKeywords pairs each category with its trigger words. Order matters:
// ties keep the first-seen highest scorer.
var serviceKeywords = []struct {
	Service  string
	Keywords []string
}{
	{"Ummistuse likvideerimine", []string{"ummistus", "ummistuse", "likvideerimine", "tõkke", "ummistunud"}},
	{"Hooldustööd", []string{"hooldus", "hooldustööd", "hoolduse", "korras", "kontroll"}},
	{"Santehnilised tööd", []string{"santehnilised", "santehnika", "torutööd", "toru", "veetoru"}},
	{"Elektritööd", []string{"elektritööd", "elekter", "elektri", "juhe", "vool"}},
	{"Survepesu", []string{"survepesu", "pesu", "surve", "puhastus"}},
	{"Gaasitööd", []string{"gaasitööd", "gaas", "gaasi"}},
	{"Keevitustööd", []string{"keevitustööd", "keevitus", "keevita"}},
	{"Kaameravaatlus", []string{"kaameravaatlus", "kaamera", "vaatlus", "inspektsioon"}},
	{"Lekkeotsing gaasiga", []string{"lekkeotsing", "leke", "gaasiga", "gaasileke"}},
	{"Ehitustööd", []string{"ehitustööd", "ehitus", "ehituse", "renoveerimine"}},
	{"Rasvapüüdja tühjendus kuni 4m3", []string{"rasvapüüdja", "tühjendus", "rasva", "4m3", "rasva tühjendus"}},
	{"Muu", []string{"muu", "teine", "misc", "other"}},
	{"Freesimistööd", []string{"freesimistööd", "freesimine", "frees"}},
	{"Majasiseste kanalisatsioonitrasside pesu", []string{"kanalisatsioonitrasside", "kanalisatsioon", "pesu", "majasiseste"}},
	{"Fekaalivedu (1 koorem = kuni 5 m3)", []string{"fekaalivedu", "fekaal", "koorem", "5 m3"}},
	{"Hinnapakkumise küsimine", []string{"hinnapakkumine", "hinnapakkumise", "pakkumine", "hind"}},
	{"Väljakutse tasu", []string{"väljakutse", "tasu", "teenustasu"}},
}

// Classifier combines the keyword and LLM strategies.
type Classifier struct {
	cfg  config.PipelineConfig
	chat llm.Chat
	log  *logrus.Entry
}

func New(cfg config.PipelineConfig, chat llm.Chat, log *logrus.Entry) *Classifier {
	return &Classifier{cfg: cfg, chat: chat, log: log}
}

// Classify returns exactly one member of Services. The keyword result is
// always computed; an LLM result replaces it only when the LLM is configured
// primary and produced a valid category.
func (c *Classifier) Classify(ctx context.Context, transcript string) string {
	keyword := KeywordClassify(transcript)
	c.log.WithField("service", keyword).Debug("keyword work type")

	if !c.cfg.UseLLM || c.chat == nil {
		return keyword
	}
	llmResult := c.llmClassify(ctx, transcript)
	if llmResult != "" {
		c.log.WithField("service", llmResult).Debug("llm work type")
	}
	if c.cfg.LLMPrimary && llmResult != "" {
		return llmResult
	}
	return keyword
}

// KeywordClassify counts case-insensitive keyword hits per category and picks
// the strictly highest scorer; zero hits yield the catch-all.
func KeywordClassify(transcript string) string {
	lower := strings.ToLower(transcript)
	best := ""
	bestScore := 0
	for _, entry := range serviceKeywords {
		score := 0
		for _, kw := range entry.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = entry.Service
		}
	}
	if best == "" {
		return DefaultService
	}
	return best
}

const classifySystem = "You are a helpful assistant specializing in information extraction."

func (c *Classifier) llmClassify(ctx context.Context, transcript string) string {
	var list strings.Builder
	for _, s := range Services {
		list.WriteString("- ")
		list.WriteString(s)
		list.WriteString("\n")
	}
	prompt := "You are an expert in analyzing Estonian plumbing and service call transcripts. " +
		"Determine which type of service is being requested based on this transcript. " +
		"Match it to one of these exact service types:\n\n" + list.String() +
		"\nTranscript: " + transcript + "\n\n" +
		"Return ONLY the matching service type. Choose the most appropriate one - " +
		"if no service type seems to match at all, return 'Muu'. " +
		"Return only one of the exact service names listed above with no additional text."

	content, err := c.chat.Complete(ctx, llm.Request{
		System:    classifySystem,
		User:      prompt,
		MaxTokens: 50,
	})
	if err != nil {
		c.log.WithError(err).Warn("llm work type classification failed")
		return ""
	}
	service := strings.Trim(strings.TrimSpace(content), `"'`)
	if !IsValid(service) {
		c.log.WithField("service", service).Warn("llm returned work type outside the service set")
		return ""
	}
	return service
}

package normalize

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/aviov/ct-toru/internal/config"
	"github.com/aviov/ct-toru/internal/llm"
)

type fakeChat struct {
	reply string
	err   error
}

func (f *fakeChat) Complete(_ context.Context, _ llm.Request) (string, error) {
	return f.reply, f.err
}

func testLog(t *testing.T) *logrus.Entry {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", t.Name())
}

func newNormalizer(t *testing.T, refs ReferenceSet, cfg config.PipelineConfig, chat llm.Chat) *Normalizer {
	t.Helper()
	return New(config.DefaultRules(), refs, cfg, chat, testLog(t))
}

func TestNormalizeAppliesCorrectionRules(t *testing.T) {
	n := newNormalizer(t, ReferenceSet{}, config.PipelineConfig{}, nil)
	got := n.Normalize(context.Background(), "helistan toru abi firmasse, oleme o ü")
	if !strings.Contains(got, "Toruabi") {
		t.Errorf("company name not corrected: %q", got)
	}
	if !strings.Contains(got, "OÜ") {
		t.Errorf("legal suffix not corrected: %q", got)
	}
}

func TestNormalizeConfirmationPhrase(t *testing.T) {
	n := newNormalizer(t, ReferenceSet{}, config.PipelineConfig{}, nil)
	got := n.Normalize(context.Background(), "tellimus on kinnitatut")
	if !strings.Contains(got, "Tellimus on kinnitatud") {
		t.Fatalf("confirmation phrase not normalized: %q", got)
	}
}

func TestNormalizeEmptyInput(t *testing.T) {
	n := newNormalizer(t, ReferenceSet{}, config.PipelineConfig{}, nil)
	if got := n.Normalize(context.Background(), "   "); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestCleanupCollapsesRepeatsAndPunctuation(t *testing.T) {
	got := Cleanup("ma ma helistan , sest toru on katki ,, jah")
	want := "ma helistan, sest toru on katki, jah"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFuzzyCorrectsStreetAgainstReferences(t *testing.T) {
	refs := ReferenceSet{Addresses: []string{"Mustamäe tee"}}
	n := newNormalizer(t, refs, config.PipelineConfig{}, nil)
	got := n.applyFuzzy("Aadress on Mustamää tee 5")
	if !strings.Contains(got, "Mustamäe tee") {
		t.Fatalf("street not corrected: %q", got)
	}
}

func TestFuzzyLeavesLowSimilarityAlone(t *testing.T) {
	refs := ReferenceSet{Addresses: []string{"Pärnu maantee"}}
	n := newNormalizer(t, refs, config.PipelineConfig{}, nil)
	got := n.applyFuzzy("Aadress on Mustamäe tee 5")
	if !strings.Contains(got, "Mustamäe tee") {
		t.Fatalf("dissimilar street should stay unchanged: %q", got)
	}
}

func TestFuzzyCorrectsCompanyKeepingSuffix(t *testing.T) {
	refs := ReferenceSet{Companies: []string{"Torutööd"}}
	n := newNormalizer(t, refs, config.PipelineConfig{}, nil)
	got := n.applyFuzzy("esindan firmat Torutöö OÜ")
	if !strings.Contains(got, "Torutööd OÜ") {
		t.Fatalf("company not corrected: %q", got)
	}
}

func TestLLMCleanupFailureFallsBack(t *testing.T) {
	cfg := config.PipelineConfig{UseLLMCleanup: true}
	n := newNormalizer(t, ReferenceSet{}, cfg, &fakeChat{err: errors.New("rate limited")})
	got := n.Normalize(context.Background(), "toru abi kõne")
	if !strings.Contains(got, "Toruabi") {
		t.Fatalf("fallback lost rule corrections: %q", got)
	}
}

func TestLLMCleanupUsesResponse(t *testing.T) {
	cfg := config.PipelineConfig{UseLLMCleanup: true}
	n := newNormalizer(t, ReferenceSet{}, cfg, &fakeChat{reply: "```\nPuhastatud tekst\n```"})
	got := n.Normalize(context.Background(), "toru abi kõne")
	if got != "Puhastatud tekst" {
		t.Fatalf("got %q", got)
	}
}

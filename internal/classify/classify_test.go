package classify

import (
	"context"
	"errors"
	"io"
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

func TestKeywordClassifyBlockage(t *testing.T) {
	got := KeywordClassify("Tere, mul on ummistus kylpetoas ja vesi ei voola ara")
	if got != "Ummistuse likvideerimine" {
		t.Fatalf("got %q, want Ummistuse likvideerimine", got)
	}
}

func TestKeywordClassifyNoHitsFallsBack(t *testing.T) {
	if got := KeywordClassify("tere tere vana kere"); got != DefaultService {
		t.Fatalf("got %q, want %q", got, DefaultService)
	}
}

func TestKeywordClassifyTieKeepsFirstSeen(t *testing.T) {
	// One hit for blockage, one for price quote; the earlier category wins.
	got := KeywordClassify("ummistus ja hind")
	if got != "Ummistuse likvideerimine" {
		t.Fatalf("got %q, want first-seen highest scorer", got)
	}
}

func TestClassifyAlwaysInServiceSet(t *testing.T) {
	c := New(config.PipelineConfig{}, nil, testLog(t))
	transcripts := []string{
		"",
		"suvaline jutt ilma teenuseta",
		"ummistus kanalisatsioonis, vajame survepesu ja kaamerat",
		"gaasileke köögis",
	}
	for _, tr := range transcripts {
		got := c.Classify(context.Background(), tr)
		if !IsValid(got) {
			t.Fatalf("Classify(%q) = %q, outside service set", tr, got)
		}
	}
}

func TestClassifyLLMPrimaryWins(t *testing.T) {
	cfg := config.PipelineConfig{UseLLM: true, LLMPrimary: true}
	c := New(cfg, &fakeChat{reply: "Survepesu"}, testLog(t))
	got := c.Classify(context.Background(), "mul on ummistus")
	if got != "Survepesu" {
		t.Fatalf("got %q, want llm-primary result Survepesu", got)
	}
}

func TestClassifyInvalidLLMResultFallsBackToKeyword(t *testing.T) {
	cfg := config.PipelineConfig{UseLLM: true, LLMPrimary: true}
	c := New(cfg, &fakeChat{reply: "NotARealService"}, testLog(t))
	got := c.Classify(context.Background(), "mul on ummistus")
	if got != "Ummistuse likvideerimine" {
		t.Fatalf("got %q, want keyword fallback", got)
	}
}

func TestClassifyLLMErrorFallsBackToKeyword(t *testing.T) {
	cfg := config.PipelineConfig{UseLLM: true, LLMPrimary: true}
	c := New(cfg, &fakeChat{err: errors.New("boom")}, testLog(t))
	got := c.Classify(context.Background(), "vajame hooldust, hooldustööd lepingu alusel")
	if got != "Hooldustööd" {
		t.Fatalf("got %q, want keyword fallback", got)
	}
}

func TestClassifyLLMSecondaryKeywordWins(t *testing.T) {
	cfg := config.PipelineConfig{UseLLM: true, LLMPrimary: false}
	c := New(cfg, &fakeChat{reply: "Survepesu"}, testLog(t))
	got := c.Classify(context.Background(), "mul on ummistus")
	if got != "Ummistuse likvideerimine" {
		t.Fatalf("got %q, want keyword result when llm is not primary", got)
	}
}

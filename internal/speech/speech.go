// Package speech converts call recordings to Estonian text.
package speech

import (
	"context"
	"fmt"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Recognizer turns audio bytes into a transcript.
type Recognizer interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

const (
	languageCode = "et-EE"
	sampleRate   = 44100
)

// domainPhrases biases recognition toward the vocabulary that drives the
// pipeline's order-confirmation decision.
var domainPhrases = []string{"Tellimus on kinnitatud"}

// Client wraps the Cloud Speech recognizer with the retry policy every
// outbound speech call uses: the call is idempotent, so any failure is
// retryable with exponential backoff.
type Client struct {
	speech  *speech.Client
	timeout time.Duration
	retries uint64
	log     *logrus.Entry
}

func NewClient(ctx context.Context, timeout time.Duration, log *logrus.Entry) (*Client, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}
	return &Client{speech: c, timeout: timeout, retries: 2, log: log}, nil
}

func (c *Client) Close() error { return c.speech.Close() }

// Transcribe runs synchronous recognition over the full recording and joins
// the best alternative of every result into one transcript.
func (c *Client) Transcribe(ctx context.Context, audio []byte) (string, error) {
	req := &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_MP3,
			SampleRateHertz:            sampleRate,
			LanguageCode:               languageCode,
			EnableAutomaticPunctuation: true,
			SpeechContexts:             []*speechpb.SpeechContext{{Phrases: domainPhrases}},
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	}

	var transcript string
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		resp, err := c.speech.Recognize(callCtx, req)
		if err != nil {
			c.log.WithError(err).Warn("speech recognize attempt failed")
			return err
		}
		var parts []string
		for _, result := range resp.GetResults() {
			alts := result.GetAlternatives()
			if len(alts) > 0 {
				parts = append(parts, alts[0].GetTranscript())
			}
		}
		transcript = strings.Join(parts, " ")
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.Multiplier = 2
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.retries), ctx)); err != nil {
		return "", fmt.Errorf("speech recognition: %w", err)
	}
	return transcript, nil
}

// Package pipeline implements the four call-processing stages: audio ingest,
// transcription, customer matching, and order creation. Each stage is a
// stateless invocation triggered by one message or storage event; storage keys
// derive deterministically from call identifiers so redelivery overwrites
// instead of duplicating.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/aviov/ct-toru/internal/callcenter"
	"github.com/aviov/ct-toru/internal/classify"
	"github.com/aviov/ct-toru/internal/config"
	"github.com/aviov/ct-toru/internal/crm"
	"github.com/aviov/ct-toru/internal/extract"
	"github.com/aviov/ct-toru/internal/gcs"
	"github.com/aviov/ct-toru/internal/llm"
	"github.com/aviov/ct-toru/internal/metrics"
	"github.com/aviov/ct-toru/internal/normalize"
	"github.com/aviov/ct-toru/internal/order"
	"github.com/aviov/ct-toru/internal/queue"
	"github.com/aviov/ct-toru/internal/resolve"
	"github.com/aviov/ct-toru/internal/secrets"
	"github.com/aviov/ct-toru/internal/speech"
)

// The transcript phrase that gates the downstream pipeline: without an
// explicit confirmation the call produces a transcript and nothing else.
const confirmationPhrase = "Tellimus on kinnitatud"

// Deps wires one stage invocation. Chat is nil when the LLM is disabled.
type Deps struct {
	Cfg        config.Config
	Audio      gcs.Bucket
	Data       gcs.Bucket
	Queue      queue.Publisher
	Secrets    secrets.Source
	Fetcher    callcenter.Fetcher
	Recognizer speech.Recognizer
	Chat       llm.Chat
	Normalizer *normalize.Normalizer
	Classifier *classify.Classifier
	Log        *logrus.Entry
}

// Ingest downloads the call recording and stores it as {caller}_{uniqueid}.mp3
// in the audio bucket. An already-present object means a duplicate delivery
// and is skipped, not overwritten: recordings are immutable once ingested.
func (d *Deps) Ingest(ctx context.Context, caller, uniqueID string) (string, error) {
	if caller == "" || uniqueID == "" {
		return "", errors.New("ingest: caller and uniqueid are required")
	}
	filename := caller + "_" + uniqueID + ".mp3"
	log := d.Log.WithFields(logrus.Fields{"caller": caller, "uniqueId": uniqueID})

	exists, err := d.Audio.Exists(ctx, filename)
	if err != nil {
		return "", fmt.Errorf("check existing recording: %w", err)
	}
	if exists {
		log.Info("recording already ingested, skipping")
		return filename, nil
	}

	audio, err := d.Fetcher.Fetch(ctx, uniqueID)
	if err != nil {
		return "", err
	}
	if err := d.Audio.Upload(ctx, filename, audio, "audio/mpeg"); err != nil {
		return "", fmt.Errorf("store recording: %w", err)
	}
	log.WithField("bytes", len(audio)).Info("recording ingested")
	return filename, nil
}

// Transcribe recognizes one recording, normalizes the text, persists it under
// transcripts/, and publishes downstream only when the transcript contains the
// confirmation phrase.
func (d *Deps) Transcribe(ctx context.Context, objectName string) error {
	if objectName == "" {
		return errors.New("transcribe: object name is required")
	}
	caller := callerFromAudioName(objectName)
	log := d.Log.WithFields(logrus.Fields{"object": objectName, "caller": caller})

	audio, err := d.Audio.Download(ctx, objectName)
	if err != nil {
		return fmt.Errorf("download recording: %w", err)
	}
	raw, err := d.Recognizer.Transcribe(ctx, audio)
	if err != nil {
		return fmt.Errorf("recognize %s: %w", objectName, err)
	}
	text := d.Normalizer.Normalize(ctx, raw)

	transcriptFile := "transcripts/" + strings.TrimSuffix(path.Base(objectName), ".mp3") + ".txt"
	if err := d.Data.Upload(ctx, transcriptFile, []byte(text), "text/plain; charset=utf-8"); err != nil {
		return fmt.Errorf("store transcript: %w", err)
	}
	log.WithField("chars", len(text)).Info("transcript stored")

	if !strings.Contains(text, confirmationPhrase) {
		log.Info("no order confirmation in transcript, stopping here")
		return nil
	}
	msg := TranscribedMessage{
		Bucket:         d.Cfg.DataBucket,
		TranscriptFile: transcriptFile,
		Caller:         caller,
		Transcript:     text,
	}
	return d.publish(ctx, d.Cfg.TranscribedTopic, msg)
}

// matchArtifact is the persisted customer-match record. Field names are part
// of the storage contract with the order stage.
type matchArtifact struct {
	CustomerDetails map[string]any    `json:"customerDetails"`
	ID              string            `json:"id"`
	LLMExtraction   map[string]string `json:"llm_extraction,omitempty"`
	LookupCriteria  map[string]string `json:"lookup_criteria"`
	CustomerFound   bool              `json:"customerFound"`
}

// MatchCustomer extracts lookup criteria from the transcript, resolves them
// against the CRM, and persists the match. A terminal not-found is a handled
// outcome: the miss artifact is stored and nothing is published.
func (d *Deps) MatchCustomer(ctx context.Context, msg TranscribedMessage) error {
	if msg.TranscriptFile == "" || msg.Caller == "" {
		return errors.New("match: transcript_file and caller are required")
	}
	log := d.Log.WithFields(logrus.Fields{"transcript": msg.TranscriptFile, "caller": msg.Caller})

	transcript := msg.Transcript
	if transcript == "" {
		data, err := d.Data.Download(ctx, msg.TranscriptFile)
		if err != nil {
			return fmt.Errorf("download transcript: %w", err)
		}
		transcript = string(data)
	}

	regexResults := extract.RegexCustomer(transcript)
	var llmResults map[string]string
	if d.Cfg.Pipeline.UseLLM && d.Chat != nil {
		llmResults = extract.LLMCustomer(ctx, d.Chat, transcript, log)
	}
	criteria := extract.MergeCriteria(regexResults, llmResults, d.Cfg.Pipeline.LLMPrimary, msg.Caller)
	log.WithField("criteria", extract.DescribeCriteria(criteria)).Info("lookup criteria merged")

	matchFile := matchFileFor(msg.TranscriptFile)
	if !hasLookupEvidence(criteria) {
		log.Warn("no usable lookup criteria, recording miss")
		metrics.IncMiss()
		return d.storeMatch(ctx, matchFile, matchArtifact{
			ID:             "unknown-" + msg.Caller,
			LLMExtraction:  llmResults,
			LookupCriteria: criteria,
		})
	}

	client, token, err := d.crmSession(ctx)
	if err != nil {
		return err
	}
	resolver := resolve.New(client, log)
	match, err := resolver.Resolve(ctx, token, criteria, msg.Caller)
	if err != nil && !errors.Is(err, resolve.ErrNotFound) {
		return err
	}

	artifact := matchArtifact{
		CustomerDetails: match.Details,
		ID:              match.CustomerID,
		LLMExtraction:   llmResults,
		LookupCriteria:  match.Criteria,
		CustomerFound:   match.Found,
	}
	if err := d.storeMatch(ctx, matchFile, artifact); err != nil {
		return err
	}
	if !match.Found {
		log.Info("customer not found after variation search")
		metrics.IncMiss()
		return nil
	}

	out := MatchedMessage{
		TranscriptFile:    msg.TranscriptFile,
		CustomerMatchFile: matchFile,
		CustomerID:        match.CustomerID,
		Bucket:            d.Cfg.DataBucket,
		Caller:            msg.Caller,
	}
	return d.publish(ctx, d.Cfg.MatchedTopic, out)
}

// CreateOrder assembles and submits the work order. Persisting the created
// order and publishing the confirmation must both happen; an error from
// either fails the invocation so redelivery re-attempts it.
func (d *Deps) CreateOrder(ctx context.Context, msg MatchedMessage) error {
	if msg.CustomerMatchFile == "" || msg.TranscriptFile == "" {
		return errors.New("create: customer_match_file and transcript_file are required")
	}
	log := d.Log.WithFields(logrus.Fields{"customerId": msg.CustomerID, "caller": msg.Caller})

	matchData, err := d.Data.Download(ctx, msg.CustomerMatchFile)
	if err != nil {
		return fmt.Errorf("download customer match: %w", err)
	}
	var artifact matchArtifact
	if err := json.Unmarshal(matchData, &artifact); err != nil {
		return fmt.Errorf("decode customer match: %w", err)
	}
	transcriptData, err := d.Data.Download(ctx, msg.TranscriptFile)
	if err != nil {
		return fmt.Errorf("download transcript: %w", err)
	}
	transcript := string(transcriptData)

	workType := d.Classifier.Classify(ctx, transcript)
	var ext *extract.OrderExtraction
	if d.Cfg.Pipeline.UseLLM && d.Chat != nil {
		ext = extract.LLMOrder(ctx, d.Chat, transcript, log)
	}

	now := config.Now()
	draft := order.BuildDraft(order.Input{
		Transcript: transcript,
		Caller:     msg.Caller,
		CallID:     CallIDFromTranscriptPath(msg.TranscriptFile),
		CustomerID: msg.CustomerID,
		Customer:   artifact.CustomerDetails,
		WorkType:   workType,
		Extraction: ext,
		Now:        now,
	})

	client, token, err := d.crmSession(ctx)
	if err != nil {
		return err
	}
	outcome, err := order.NewSubmitter(client, log).Submit(ctx, token, draft)
	if err != nil {
		if errors.Is(err, order.ErrRejected) {
			log.WithFields(logrus.Fields{"errorCode": outcome.ErrorCode, "message": outcome.Message}).
				Warn("order rejected by crm")
			return nil
		}
		return err
	}

	record := map[string]any{
		"order_id":      outcome.OrderID,
		"customer_id":   msg.CustomerID,
		"caller_phone":  msg.Caller,
		"order_payload": draft,
		"created_at":    draft.Metadata.CallTimestamp,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode order record: %w", err)
	}
	if err := d.Data.Upload(ctx, "orders/"+outcome.OrderID+".json", data, "application/json"); err != nil {
		return fmt.Errorf("store order: %w", err)
	}

	confirmation := CreatedMessage{
		OrderID:    outcome.OrderID,
		CustomerID: msg.CustomerID,
		Caller:     msg.Caller,
		Status:     "created",
	}
	return d.publish(ctx, d.Cfg.CreatedTopic, confirmation)
}

func (d *Deps) publish(ctx context.Context, topic string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", topic, err)
	}
	if err := d.Queue.Publish(ctx, topic, data); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	d.Log.WithField("topic", topic).Info("message published")
	return nil
}

// crmSession builds an authenticated CRM client from the secret store. URLs
// and credentials are fetched per invocation; they rotate without redeploys.
func (d *Deps) crmSession(ctx context.Context) (*crm.Client, string, error) {
	authURL, err := d.Secrets.Access(ctx, d.Cfg.CRMAuthURLSecret)
	if err != nil {
		return nil, "", fmt.Errorf("crm auth url: %w", err)
	}
	lookupURL, err := d.Secrets.Access(ctx, d.Cfg.CRMLookupURLSecret)
	if err != nil {
		return nil, "", fmt.Errorf("crm lookup url: %w", err)
	}
	orderURL, err := d.Secrets.Access(ctx, d.Cfg.CRMOrderURLSecret)
	if err != nil {
		return nil, "", fmt.Errorf("crm order url: %w", err)
	}
	username, err := d.Secrets.Access(ctx, d.Cfg.CRMUsernameSecret)
	if err != nil {
		return nil, "", fmt.Errorf("crm username: %w", err)
	}
	password, err := d.Secrets.Access(ctx, d.Cfg.CRMPasswordSecret)
	if err != nil {
		return nil, "", fmt.Errorf("crm password: %w", err)
	}
	client := crm.NewClient(authURL, lookupURL, orderURL, d.Cfg.Pipeline.CRMTimeout, d.Log)
	token, err := client.Authenticate(ctx, username, password)
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}

func (d *Deps) storeMatch(ctx context.Context, matchFile string, artifact matchArtifact) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("encode customer match: %w", err)
	}
	if err := d.Data.Upload(ctx, matchFile, data, "application/json"); err != nil {
		return fmt.Errorf("store customer match: %w", err)
	}
	d.Log.WithField("file", matchFile).Info("customer match stored")
	return nil
}

func matchFileFor(transcriptFile string) string {
	base := strings.TrimSuffix(path.Base(transcriptFile), ".txt")
	return "customer_matches/" + base + "_customer.json"
}

// hasLookupEvidence reports whether the criteria contain anything beyond the
// always-present customerType vote.
func hasLookupEvidence(criteria map[string]string) bool {
	for key := range criteria {
		if key != extract.FieldCustomerType {
			return true
		}
	}
	return false
}

func callerFromAudioName(objectName string) string {
	base := strings.TrimSuffix(path.Base(objectName), ".mp3")
	if idx := strings.Index(base, "_"); idx > 0 {
		return base[:idx]
	}
	return base
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aviov/ct-toru/internal/classify"
	"github.com/aviov/ct-toru/internal/config"
	"github.com/aviov/ct-toru/internal/gcs"
	"github.com/aviov/ct-toru/internal/normalize"
	"github.com/aviov/ct-toru/internal/secrets"
)

func testLog(t *testing.T) *logrus.Entry {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", t.Name())
}

type capturePublisher struct {
	topics   []string
	payloads [][]byte
}

func (p *capturePublisher) Publish(_ context.Context, topic string, data []byte) error {
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, data)
	return nil
}

type fakeRecognizer struct {
	text string
	err  error
}

func (r *fakeRecognizer) Transcribe(context.Context, []byte) (string, error) {
	return r.text, r.err
}

type fakeFetcher struct {
	data  []byte
	err   error
	calls int32
}

func (f *fakeFetcher) Fetch(context.Context, string) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.data, f.err
}

// crmHandlers lets each test script the lookup and order endpoints while the
// auth endpoint always issues the same token.
type crmHandlers struct {
	lookup http.HandlerFunc
	order  http.HandlerFunc
	auths  int32
}

func crmServer(t *testing.T, h *crmHandlers) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&h.auths, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jwt": "test-token"}`))
	})
	mux.HandleFunc("/lookup", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("lookup missing bearer token")
		}
		h.lookup(w, r)
	})
	mux.HandleFunc("/order", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("order missing bearer token")
		}
		h.order(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func newDeps(t *testing.T, crmURL string) (*Deps, *capturePublisher) {
	t.Helper()
	cfg := config.Config{
		DataBucket:         "ct-toru-transcriptions",
		TranscribedTopic:   "ct-toru-order-confirmed",
		MatchedTopic:       "ct-toru-customer-matched",
		CreatedTopic:       "ct-toru-order-created",
		CRMAuthURLSecret:   "crm-auth-url",
		CRMLookupURLSecret: "crm-api-url",
		CRMOrderURLSecret:  "crm-order-url",
		CRMUsernameSecret:  "crm-username",
		CRMPasswordSecret:  "crm-password",
		Pipeline:           config.PipelineConfig{CRMTimeout: 5 * time.Second},
	}
	log := testLog(t)
	pub := &capturePublisher{}
	deps := &Deps{
		Cfg:   cfg,
		Audio: gcs.NewDirBucket(t.TempDir()),
		Data:  gcs.NewDirBucket(t.TempDir()),
		Queue: pub,
		Secrets: secrets.Static{
			"crm-auth-url":   crmURL + "/auth",
			"crm-api-url":    crmURL + "/lookup",
			"crm-order-url":  crmURL + "/order",
			"crm-username":   "svc",
			"crm-password":   "secret",
		},
		Normalizer: normalize.New(config.DefaultRules(), normalize.ReferenceSet{}, cfg.Pipeline, nil, log),
		Classifier: classify.New(cfg.Pipeline, nil, log),
		Log:        log,
	}
	return deps, pub
}

func TestIngestStoresRecording(t *testing.T) {
	deps, _ := newDeps(t, "http://unused")
	fetcher := &fakeFetcher{data: []byte("mp3-bytes")}
	deps.Fetcher = fetcher

	name, err := deps.Ingest(context.Background(), "+37256789012", "1747821553")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if name != "+37256789012_1747821553.mp3" {
		t.Fatalf("filename = %q", name)
	}
	exists, err := deps.Audio.Exists(context.Background(), name)
	if err != nil || !exists {
		t.Fatalf("recording not stored (exists=%v err=%v)", exists, err)
	}
}

func TestIngestSkipsExistingRecording(t *testing.T) {
	deps, _ := newDeps(t, "http://unused")
	fetcher := &fakeFetcher{err: errors.New("should not fetch")}
	deps.Fetcher = fetcher

	name := "+37256789012_1747821553.mp3"
	if err := deps.Audio.Upload(context.Background(), name, []byte("already here"), "audio/mpeg"); err != nil {
		t.Fatal(err)
	}
	got, err := deps.Ingest(context.Background(), "+37256789012", "1747821553")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got != name {
		t.Fatalf("filename = %q", got)
	}
	if atomic.LoadInt32(&fetcher.calls) != 0 {
		t.Fatal("duplicate delivery re-fetched the recording")
	}
}

func TestTranscribeWithoutConfirmationStoresOnly(t *testing.T) {
	deps, pub := newDeps(t, "http://unused")
	deps.Recognizer = &fakeRecognizer{text: "Tere, toru on katki, palun abi"}
	object := "+37256789012_1747821553.mp3"
	if err := deps.Audio.Upload(context.Background(), object, []byte("mp3"), "audio/mpeg"); err != nil {
		t.Fatal(err)
	}

	if err := deps.Transcribe(context.Background(), object); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	stored, err := deps.Data.Download(context.Background(), "transcripts/+37256789012_1747821553.txt")
	if err != nil {
		t.Fatalf("transcript not stored: %v", err)
	}
	if !strings.Contains(string(stored), "toru on katki") {
		t.Fatalf("transcript = %q", stored)
	}
	if len(pub.topics) != 0 {
		t.Fatalf("unconfirmed call published to %v", pub.topics)
	}
}

func TestTranscribePublishesOnConfirmation(t *testing.T) {
	deps, pub := newDeps(t, "http://unused")
	deps.Recognizer = &fakeRecognizer{text: "Sooviksin ummistuse likvideerimist. tellimus on kinnitatut"}
	object := "+37256789012_1747821553.mp3"
	if err := deps.Audio.Upload(context.Background(), object, []byte("mp3"), "audio/mpeg"); err != nil {
		t.Fatal(err)
	}

	if err := deps.Transcribe(context.Background(), object); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if len(pub.topics) != 1 || pub.topics[0] != deps.Cfg.TranscribedTopic {
		t.Fatalf("published to %v", pub.topics)
	}
	var msg TranscribedMessage
	if err := json.Unmarshal(pub.payloads[0], &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Caller != "+37256789012" {
		t.Errorf("caller = %q", msg.Caller)
	}
	if msg.TranscriptFile != "transcripts/+37256789012_1747821553.txt" {
		t.Errorf("transcript_file = %q", msg.TranscriptFile)
	}
	if !strings.Contains(msg.Transcript, "Tellimus on kinnitatud") {
		t.Errorf("confirmation phrase not normalized: %q", msg.Transcript)
	}
}

func TestMatchCustomerPublishesOnHit(t *testing.T) {
	h := &crmHandlers{
		lookup: jsonHandler(http.StatusOK, `{"customerFound": true, "customer": {"id": "cust-7", "name": "Mart Tamm"}}`),
	}
	deps, pub := newDeps(t, crmServer(t, h).URL)

	msg := TranscribedMessage{
		TranscriptFile: "transcripts/+37256789012_1747821553.txt",
		Caller:         "+37256789012",
		Transcript:     "Tere, mina olen Mart Tamm. Tellimus on kinnitatud.",
	}
	if err := deps.MatchCustomer(context.Background(), msg); err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(pub.topics) != 1 || pub.topics[0] != deps.Cfg.MatchedTopic {
		t.Fatalf("published to %v", pub.topics)
	}
	var out MatchedMessage
	if err := json.Unmarshal(pub.payloads[0], &out); err != nil {
		t.Fatal(err)
	}
	if out.CustomerID != "cust-7" {
		t.Errorf("customer_id = %q", out.CustomerID)
	}
	if out.CustomerMatchFile != "customer_matches/+37256789012_1747821553_customer.json" {
		t.Errorf("customer_match_file = %q", out.CustomerMatchFile)
	}

	stored, err := deps.Data.Download(context.Background(), out.CustomerMatchFile)
	if err != nil {
		t.Fatalf("match artifact not stored: %v", err)
	}
	var artifact map[string]any
	if err := json.Unmarshal(stored, &artifact); err != nil {
		t.Fatal(err)
	}
	if artifact["customerFound"] != true || artifact["id"] != "cust-7" {
		t.Fatalf("artifact = %v", artifact)
	}
}

func TestMatchCustomerMissPersistsWithoutPublish(t *testing.T) {
	h := &crmHandlers{
		lookup: jsonHandler(http.StatusOK, `{"customerFound": false}`),
	}
	deps, pub := newDeps(t, crmServer(t, h).URL)

	msg := TranscribedMessage{
		TranscriptFile: "transcripts/+37256789012_1747821553.txt",
		Caller:         "+37256789012",
		Transcript:     "Tere, mina olen Mart Tamm. Tellimus on kinnitatud.",
	}
	if err := deps.MatchCustomer(context.Background(), msg); err != nil {
		t.Fatalf("terminal miss should be handled: %v", err)
	}
	if len(pub.topics) != 0 {
		t.Fatalf("miss published to %v", pub.topics)
	}
	stored, err := deps.Data.Download(context.Background(), "customer_matches/+37256789012_1747821553_customer.json")
	if err != nil {
		t.Fatalf("miss artifact not stored: %v", err)
	}
	var artifact map[string]any
	if err := json.Unmarshal(stored, &artifact); err != nil {
		t.Fatal(err)
	}
	if artifact["customerFound"] != false {
		t.Fatalf("artifact = %v", artifact)
	}
	if artifact["id"] != "unknown-+37256789012" {
		t.Fatalf("placeholder id = %v", artifact["id"])
	}
}

func TestMatchCustomerWithoutEvidenceSkipsCRM(t *testing.T) {
	h := &crmHandlers{
		lookup: jsonHandler(http.StatusOK, `{"customerFound": true}`),
	}
	deps, pub := newDeps(t, crmServer(t, h).URL)

	msg := TranscribedMessage{
		TranscriptFile: "transcripts/test_1747821553.txt",
		Caller:         "test",
		Transcript:     "Tere. Tellimus on kinnitatud.",
	}
	if err := deps.MatchCustomer(context.Background(), msg); err != nil {
		t.Fatalf("match: %v", err)
	}
	if atomic.LoadInt32(&h.auths) != 0 {
		t.Fatal("contacted CRM without lookup criteria")
	}
	if len(pub.topics) != 0 {
		t.Fatalf("published to %v", pub.topics)
	}
	stored, err := deps.Data.Download(context.Background(), "customer_matches/test_1747821553_customer.json")
	if err != nil {
		t.Fatalf("miss artifact not stored: %v", err)
	}
	if !strings.Contains(string(stored), "unknown-test") {
		t.Fatalf("artifact = %s", stored)
	}
}

func seedOrderInputs(t *testing.T, deps *Deps) MatchedMessage {
	t.Helper()
	ctx := context.Background()
	transcript := "Tere, mina olen Mart Tamm. Meil on ummistus köögis. Tellimus on kinnitatud."
	if err := deps.Data.Upload(ctx, "transcripts/+37256789012_1747821553.txt", []byte(transcript), "text/plain; charset=utf-8"); err != nil {
		t.Fatal(err)
	}
	artifact := matchArtifact{
		CustomerDetails: map[string]any{
			"name":         "Torutööd OÜ",
			"customerType": "ETTEVÕTE",
		},
		ID:             "cust-7",
		LookupCriteria: map[string]string{"phoneNumber": "+37256789012"},
		CustomerFound:  true,
	}
	data, err := json.Marshal(artifact)
	if err != nil {
		t.Fatal(err)
	}
	matchFile := "customer_matches/+37256789012_1747821553_customer.json"
	if err := deps.Data.Upload(ctx, matchFile, data, "application/json"); err != nil {
		t.Fatal(err)
	}
	return MatchedMessage{
		TranscriptFile:    "transcripts/+37256789012_1747821553.txt",
		CustomerMatchFile: matchFile,
		CustomerID:        "cust-7",
		Caller:            "+37256789012",
	}
}

func TestCreateOrderStoresAndPublishes(t *testing.T) {
	h := &crmHandlers{
		order: jsonHandler(http.StatusOK, `{"success": true, "orderId": "ord-9"}`),
	}
	deps, pub := newDeps(t, crmServer(t, h).URL)
	msg := seedOrderInputs(t, deps)

	if err := deps.CreateOrder(context.Background(), msg); err != nil {
		t.Fatalf("create: %v", err)
	}
	stored, err := deps.Data.Download(context.Background(), "orders/ord-9.json")
	if err != nil {
		t.Fatalf("order record not stored: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(stored, &record); err != nil {
		t.Fatal(err)
	}
	if record["order_id"] != "ord-9" || record["customer_id"] != "cust-7" {
		t.Fatalf("record = %v", record)
	}
	if len(pub.topics) != 1 || pub.topics[0] != deps.Cfg.CreatedTopic {
		t.Fatalf("published to %v", pub.topics)
	}
	var out CreatedMessage
	if err := json.Unmarshal(pub.payloads[0], &out); err != nil {
		t.Fatal(err)
	}
	if out.OrderID != "ord-9" || out.Status != "created" {
		t.Fatalf("confirmation = %+v", out)
	}
}

func TestCreateOrderRejectionIsHandled(t *testing.T) {
	h := &crmHandlers{
		order: jsonHandler(http.StatusOK, `{"success": false, "errorCode": "DUP", "message": "duplicate order"}`),
	}
	deps, pub := newDeps(t, crmServer(t, h).URL)
	msg := seedOrderInputs(t, deps)

	if err := deps.CreateOrder(context.Background(), msg); err != nil {
		t.Fatalf("rejection should be handled, got %v", err)
	}
	if len(pub.topics) != 0 {
		t.Fatalf("rejected order published to %v", pub.topics)
	}
}

func TestCreateOrderTransientFailurePropagates(t *testing.T) {
	h := &crmHandlers{
		order: jsonHandler(http.StatusBadGateway, `upstream down`),
	}
	deps, pub := newDeps(t, crmServer(t, h).URL)
	msg := seedOrderInputs(t, deps)

	if err := deps.CreateOrder(context.Background(), msg); err == nil {
		t.Fatal("transient failure must propagate for redelivery")
	}
	if len(pub.topics) != 0 {
		t.Fatalf("failed order published to %v", pub.topics)
	}
}

func TestCallIDFromTranscriptPath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"transcripts/+37256789012_1747821553.txt", "1747821553"},
		{"+37256789012_1747821553.txt", "1747821553"},
		{"transcripts/orphan.txt", "unknown"},
	}
	for _, tc := range cases {
		if got := CallIDFromTranscriptPath(tc.path); got != tc.want {
			t.Errorf("CallIDFromTranscriptPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

// Command gcf serves the pipeline stages as HTTP endpoints for the cloud
// deployment: /ingest receives the telephony webhook, /transcribe receives
// storage notifications, /match and /create receive Pub/Sub push deliveries.
package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/aviov/ct-toru/internal/callcenter"
	"github.com/aviov/ct-toru/internal/classify"
	"github.com/aviov/ct-toru/internal/config"
	"github.com/aviov/ct-toru/internal/gcs"
	"github.com/aviov/ct-toru/internal/llm"
	"github.com/aviov/ct-toru/internal/logging"
	"github.com/aviov/ct-toru/internal/normalize"
	"github.com/aviov/ct-toru/internal/pipeline"
	"github.com/aviov/ct-toru/internal/queue"
	"github.com/aviov/ct-toru/internal/secrets"
	"github.com/aviov/ct-toru/internal/speech"
)

func main() {
	cfg := config.Load()
	logger := logging.New()
	log := logging.Component(logger, "gcf")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	deps, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		log.WithError(err).Fatal("init")
	}

	mux := http.NewServeMux()
	srv := server{deps: deps, logger: logger}
	mux.HandleFunc("/ingest", srv.ingest)
	mux.HandleFunc("/transcribe", srv.transcribe)
	mux.HandleFunc("/match", srv.match)
	mux.HandleFunc("/create", srv.create)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	httpSrv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = httpSrv.Shutdown(context.Background())
	}()
	log.WithField("port", cfg.HTTPPort).Info("listening")
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("serve")
	}
}

func buildDeps(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*pipeline.Deps, error) {
	audio, _, err := gcs.NewCloudBucket(ctx, cfg.AudioBucket)
	if err != nil {
		return nil, err
	}
	data, _, err := gcs.NewCloudBucket(ctx, cfg.DataBucket)
	if err != nil {
		return nil, err
	}
	publisher, err := queue.NewPubSub(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	sec, err := secrets.NewManager(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	recognizer, err := speech.NewClient(ctx, cfg.Pipeline.SpeechTimeout, logging.Component(logger, "speech"))
	if err != nil {
		return nil, err
	}

	var chat llm.Chat
	if cfg.Pipeline.UseLLM {
		apiKey, err := sec.Access(ctx, cfg.OpenAIKeySecret)
		if err != nil {
			return nil, err
		}
		chat = llm.NewClient(apiKey, cfg.Pipeline.LLMModel, cfg.Pipeline.LLMTimeout,
			cfg.Pipeline.LLMMaxRetries, logging.Component(logger, "llm"))
	}

	fetcher, err := buildFetcher(ctx, cfg, sec, logger)
	if err != nil {
		return nil, err
	}

	rules, _ := config.LoadRules(cfg.RulesPath)
	refs := normalize.LoadReferences(ctx, data, logging.Component(logger, "normalize"))

	return &pipeline.Deps{
		Cfg:        cfg,
		Audio:      audio,
		Data:       data,
		Queue:      publisher,
		Secrets:    sec,
		Fetcher:    fetcher,
		Recognizer: recognizer,
		Chat:       chat,
		Normalizer: normalize.New(rules, refs, cfg.Pipeline, chat, logging.Component(logger, "normalize")),
		Classifier: classify.New(cfg.Pipeline, chat, logging.Component(logger, "classify")),
		Log:        logging.Component(logger, "pipeline"),
	}, nil
}

func buildFetcher(ctx context.Context, cfg config.Config, sec secrets.Source, logger *logrus.Logger) (callcenter.Fetcher, error) {
	baseURL, err := sec.Access(ctx, cfg.CallCenterURLSecret)
	if err != nil {
		return nil, err
	}
	apiKey, err := sec.Access(ctx, cfg.CallCenterKeySecret)
	if err != nil {
		return nil, err
	}
	return callcenter.NewClient(baseURL, apiKey, cfg.Pipeline.CRMTimeout, logging.Component(logger, "callcenter")), nil
}

type server struct {
	deps   *pipeline.Deps
	logger *logrus.Logger
}

func (s *server) ingest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Caller   string `json:"caller"`
		UniqueID string `json:"uniqueid"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "request must contain JSON data", http.StatusBadRequest)
		return
	}
	filename, err := s.deps.Ingest(req.Context(), body.Caller, body.UniqueID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write([]byte("ingested " + filename))
}

// transcribe handles the storage-created notification for a new recording.
func (s *server) transcribe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var event struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&event); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.deps.Transcribe(req.Context(), event.Name); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *server) match(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := readBody(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var msg pipeline.TranscribedMessage
	if err := queue.DecodePush(body, &msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.deps.MatchCustomer(req.Context(), msg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *server) create(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := readBody(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var msg pipeline.MatchedMessage
	if err := queue.DecodePush(body, &msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.deps.CreateOrder(req.Context(), msg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func readBody(req *http.Request) ([]byte, error) {
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

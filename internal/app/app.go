// Package app wires the local runner: SQLite ledger, worker pool, directory
// watcher, in-process bus, and the HTTP surface. The cloud deployment wires
// the same pipeline stages to Pub/Sub push endpoints instead.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/aviov/ct-toru/internal/callcenter"
	"github.com/aviov/ct-toru/internal/classify"
	"github.com/aviov/ct-toru/internal/config"
	"github.com/aviov/ct-toru/internal/events"
	"github.com/aviov/ct-toru/internal/gcs"
	"github.com/aviov/ct-toru/internal/httpapi"
	"github.com/aviov/ct-toru/internal/jobs"
	"github.com/aviov/ct-toru/internal/llm"
	"github.com/aviov/ct-toru/internal/logging"
	"github.com/aviov/ct-toru/internal/metrics"
	"github.com/aviov/ct-toru/internal/normalize"
	"github.com/aviov/ct-toru/internal/pipeline"
	"github.com/aviov/ct-toru/internal/queue"
	"github.com/aviov/ct-toru/internal/secrets"
	"github.com/aviov/ct-toru/internal/speech"
	"github.com/aviov/ct-toru/internal/store"
	"github.com/aviov/ct-toru/internal/watch"
)

// App holds the wired local runner.
type App struct {
	cfg     config.Config
	logger  *logrus.Logger
	store   *store.Store
	runner  *jobs.Runner
	watcher *watch.Watcher
	deps    *pipeline.Deps
	mux     *http.ServeMux
}

// Options inject external collaborators; zero-value fields get the real
// implementations.
type Options struct {
	Recognizer speech.Recognizer
	Chat       llm.Chat
	Secrets    secrets.Source
	Fetcher    callcenter.Fetcher
	Queue      queue.Publisher
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := logging.New()
	log := logging.Component(logger, "app")

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	audio := gcs.NewDirBucket(filepath.Join(cfg.WorkDir, "audio"))
	data := gcs.NewDirBucket(filepath.Join(cfg.WorkDir, "data"))

	sec := opts.Secrets
	if sec == nil {
		sec = localSecrets(cfg)
	}

	chat := opts.Chat
	if chat == nil && cfg.Pipeline.UseLLM {
		apiKey, err := sec.Access(ctx, cfg.OpenAIKeySecret)
		if err != nil {
			return nil, fmt.Errorf("openai api key: %w", err)
		}
		chat = llm.NewClient(apiKey, cfg.Pipeline.LLMModel, cfg.Pipeline.LLMTimeout,
			cfg.Pipeline.LLMMaxRetries, logging.Component(logger, "llm"))
	}

	recognizer := opts.Recognizer
	if recognizer == nil {
		client, err := speech.NewClient(ctx, cfg.Pipeline.SpeechTimeout, logging.Component(logger, "speech"))
		if err != nil {
			return nil, fmt.Errorf("speech client: %w", err)
		}
		recognizer = client
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = lazyFetcher(cfg, sec, logger)
	}

	rules := loadRules(cfg, log)
	refs := normalize.LoadReferences(ctx, data, logging.Component(logger, "normalize"))
	normalizer := normalize.New(rules, refs, cfg.Pipeline, chat, logging.Component(logger, "normalize"))
	classifier := classify.New(cfg.Pipeline, chat, logging.Component(logger, "classify"))

	bus := events.NewBus(logging.Component(logger, "bus"))
	var publisher queue.Publisher = bus
	if opts.Queue != nil {
		publisher = opts.Queue
	}

	deps := &pipeline.Deps{
		Cfg:        cfg,
		Audio:      audio,
		Data:       data,
		Queue:      publisher,
		Secrets:    sec,
		Fetcher:    fetcher,
		Recognizer: recognizer,
		Chat:       chat,
		Normalizer: normalizer,
		Classifier: classifier,
		Log:        logging.Component(logger, "pipeline"),
	}

	a := &App{cfg: cfg, logger: logger, store: st, deps: deps, mux: http.NewServeMux()}
	a.runner = jobs.NewRunner(cfg, st, a.registry(), logging.Component(logger, "jobs"))
	a.routeBus(bus)
	a.watcher = watch.New(cfg, a.runner, logging.Component(logger, "watch"))

	router := httpapi.NewRouter(cfg, st, a.runner, logger)
	router.Register(a.mux)
	return a, nil
}

// registry binds the four stage handlers to the worker pool.
func (a *App) registry() jobs.Registry {
	return jobs.Registry{
		jobs.StageIngest:     a.runIngest,
		jobs.StageTranscribe: a.runTranscribe,
		jobs.StageMatch:      a.runMatch,
		jobs.StageCreate:     a.runCreate,
	}
}

// runIngest handles both triggers: a locally dropped file (params carry its
// path) and a telephony webhook (params carry caller + uniqueid).
func (a *App) runIngest(ctx context.Context, callID string, params map[string]any) error {
	if path, ok := params["path"].(string); ok && path != "" {
		return a.ingestLocalFile(ctx, path)
	}
	caller, _ := params["caller"].(string)
	uniqueID, _ := params["uniqueid"].(string)
	filename, err := a.deps.Ingest(ctx, caller, uniqueID)
	if err != nil {
		return err
	}
	if err := a.store.UpsertCall(ctx, uniqueID, caller, filename, config.Now()); err != nil {
		return err
	}
	metrics.IncIngested()
	_, err = a.runner.Enqueue(ctx, callID, jobs.StageTranscribe, map[string]any{"object": filename})
	return err
}

func (a *App) ingestLocalFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read dropped recording: %w", err)
	}
	filename := filepath.Base(path)
	if ext := filepath.Ext(filename); ext != ".mp3" {
		filename = strings.TrimSuffix(filename, ext) + ".mp3"
	}
	exists, err := a.deps.Audio.Exists(ctx, filename)
	if err != nil {
		return err
	}
	if !exists {
		if err := a.deps.Audio.Upload(ctx, filename, data, "audio/mpeg"); err != nil {
			return fmt.Errorf("store recording: %w", err)
		}
	}
	caller, callID := splitRecordingName(filename)
	if err := a.store.UpsertCall(ctx, callID, caller, filename, config.Now()); err != nil {
		return err
	}
	metrics.IncIngested()
	_, err = a.runner.Enqueue(ctx, callID, jobs.StageTranscribe, map[string]any{"object": filename})
	return err
}

func (a *App) runTranscribe(ctx context.Context, callID string, params map[string]any) error {
	object, _ := params["object"].(string)
	if err := a.deps.Transcribe(ctx, object); err != nil {
		return err
	}
	metrics.IncTranscript()
	return nil
}

func (a *App) runMatch(ctx context.Context, callID string, params map[string]any) error {
	var msg pipeline.TranscribedMessage
	if err := decodeParamMessage(params, &msg); err != nil {
		return err
	}
	return a.deps.MatchCustomer(ctx, msg)
}

func (a *App) runCreate(ctx context.Context, callID string, params map[string]any) error {
	var msg pipeline.MatchedMessage
	if err := decodeParamMessage(params, &msg); err != nil {
		return err
	}
	return a.deps.CreateOrder(ctx, msg)
}

// routeBus connects each topic to the next stage, the same hand-off the
// Pub/Sub subscriptions do in cloud mode.
func (a *App) routeBus(bus *events.Bus) {
	log := logging.Component(a.logger, "bus")

	bus.Route(a.cfg.TranscribedTopic, func(ctx context.Context, data []byte) error {
		var msg pipeline.TranscribedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode transcribed message: %w", err)
		}
		callID := pipeline.CallIDFromTranscriptPath(msg.TranscriptFile)
		_, err := a.runner.Enqueue(ctx, callID, jobs.StageMatch, map[string]any{"message": string(data)})
		return err
	})

	bus.Route(a.cfg.MatchedTopic, func(ctx context.Context, data []byte) error {
		var msg pipeline.MatchedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode matched message: %w", err)
		}
		metrics.IncMatched()
		callID := pipeline.CallIDFromTranscriptPath(msg.TranscriptFile)
		_ = a.store.SetCustomer(ctx, callID, msg.CustomerID, config.Now())
		_, err := a.runner.Enqueue(ctx, callID, jobs.StageCreate, map[string]any{"message": string(data)})
		return err
	})

	bus.Route(a.cfg.CreatedTopic, func(ctx context.Context, data []byte) error {
		var msg pipeline.CreatedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode created message: %w", err)
		}
		metrics.IncOrder()
		log.WithFields(logrus.Fields{"orderId": msg.OrderID, "customerId": msg.CustomerID}).
			Info("pipeline complete")
		return nil
	})
}

// Run starts workers, watcher, and HTTP server, blocking until ctx ends.
func (a *App) Run(ctx context.Context) error {
	a.runner.Start(ctx)
	defer a.runner.Stop()
	if err := a.watcher.Start(ctx); err != nil {
		return err
	}
	if a.cfg.EnableWatcher {
		if err := a.watcher.Backfill(ctx); err != nil {
			logging.Component(a.logger, "watch").WithError(err).Warn("backfill scan failed")
		}
	}
	srv := &http.Server{Addr: ":" + a.cfg.HTTPPort, Handler: a.mux}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	logging.Component(a.logger, "app").WithField("port", a.cfg.HTTPPort).Info("http listening")
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (a *App) Runner() *jobs.Runner { return a.runner }
func (a *App) Store() *store.Store  { return a.store }
func (a *App) Mux() *http.ServeMux  { return a.mux }

// localSecrets maps secret ids to environment variables so the local runner
// works without Secret Manager access.
func localSecrets(cfg config.Config) secrets.Static {
	return secrets.Static{
		cfg.CallCenterURLSecret: os.Getenv("CALL_CENTER_API_URL"),
		cfg.CallCenterKeySecret: os.Getenv("CALL_CENTER_API_KEY"),
		cfg.CRMAuthURLSecret:    os.Getenv("CRM_AUTH_URL"),
		cfg.CRMUsernameSecret:   os.Getenv("CRM_USERNAME"),
		cfg.CRMPasswordSecret:   os.Getenv("CRM_PASSWORD"),
		cfg.CRMLookupURLSecret:  os.Getenv("CRM_API_URL"),
		cfg.CRMOrderURLSecret:   os.Getenv("CRM_ORDER_URL"),
		cfg.OpenAIKeySecret:     os.Getenv("OPENAI_API_KEY"),
	}
}

func loadRules(cfg config.Config, log *logrus.Entry) config.Rules {
	rules, err := config.LoadRules(cfg.RulesPath)
	if err != nil {
		log.WithError(err).WithField("path", cfg.RulesPath).Info("no rules file, using defaults")
	}
	return rules
}

// lazyFetcher defers call-center client construction to the first fetch so
// the runner starts even when the provider secrets are absent.
func lazyFetcher(cfg config.Config, sec secrets.Source, logger *logrus.Logger) callcenter.Fetcher {
	return fetcherFunc(func(fctx context.Context, uniqueID string) ([]byte, error) {
		baseURL, err := sec.Access(fctx, cfg.CallCenterURLSecret)
		if err != nil {
			return nil, fmt.Errorf("call center url: %w", err)
		}
		apiKey, err := sec.Access(fctx, cfg.CallCenterKeySecret)
		if err != nil {
			return nil, fmt.Errorf("call center key: %w", err)
		}
		client := callcenter.NewClient(baseURL, apiKey, cfg.Pipeline.CRMTimeout, logging.Component(logger, "callcenter"))
		return client.Fetch(fctx, uniqueID)
	})
}

type fetcherFunc func(ctx context.Context, uniqueID string) ([]byte, error)

func (f fetcherFunc) Fetch(ctx context.Context, uniqueID string) ([]byte, error) {
	return f(ctx, uniqueID)
}

func splitRecordingName(filename string) (caller, callID string) {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	if idx := strings.Index(base, "_"); idx > 0 && idx+1 < len(base) {
		return base[:idx], base[idx+1:]
	}
	return base, base
}

func decodeParamMessage(params map[string]any, out any) error {
	raw, _ := params["message"].(string)
	if raw == "" {
		return fmt.Errorf("job params missing message")
	}
	return json.Unmarshal([]byte(raw), out)
}

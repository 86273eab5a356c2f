// Package jobs runs pipeline stages through a persistent worker pool. Every
// job carries a content-derived idempotency key so a redelivered trigger
// reuses the existing job instead of spawning a twin.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aviov/ct-toru/internal/config"
	"github.com/aviov/ct-toru/internal/metrics"
	"github.com/aviov/ct-toru/internal/store"
)

// Job status values.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Stage names the four pipeline phases.
type Stage string

const (
	StageIngest     Stage = "INGEST"
	StageTranscribe Stage = "TRANSCRIBE"
	StageMatch      Stage = "MATCH"
	StageCreate     Stage = "CREATE"
)

// StageFunc executes one stage for one call.
type StageFunc func(ctx context.Context, callID string, params map[string]any) error

// Registry maps stages to implementations.
type Registry map[Stage]StageFunc

// Runner executes jobs on a worker pool backed by the ledger.
type Runner struct {
	cfg       config.Config
	store     *store.Store
	reg       Registry
	log       *logrus.Entry
	queue     chan *store.Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	logMu     sync.Mutex
	logBuffer map[int64][]string
}

func NewRunner(cfg config.Config, st *store.Store, reg Registry, log *logrus.Entry) *Runner {
	return &Runner{
		cfg:       cfg,
		store:     st,
		reg:       reg,
		log:       log,
		queue:     make(chan *store.Job, cfg.QueueSize),
		logBuffer: make(map[int64][]string),
	}
}

func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	for i := 0; i < r.cfg.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Enqueue inserts a job respecting idempotency. A key collision returns the
// existing job without queueing a duplicate.
func (r *Runner) Enqueue(ctx context.Context, callID string, stage Stage, params map[string]any) (*store.Job, error) {
	payload, _ := json.Marshal(params)
	job := &store.Job{
		CallID:         callID,
		Stage:          string(stage),
		Status:         StatusQueued,
		ParamsJSON:     string(payload),
		IdempotencyKey: idempotencyKey(callID, stage, payload),
		CreatedAt:      config.Now(),
		UpdatedAt:      config.Now(),
	}
	j, err := r.store.InsertJobIdempotent(ctx, job)
	if err == store.ErrConflict {
		r.log.WithFields(logrus.Fields{"callId": callID, "stage": stage}).Info("duplicate job, reusing existing")
		return j, nil
	}
	if err != nil {
		return nil, err
	}
	select {
	case r.queue <- j:
		return j, nil
	default:
		return nil, fmt.Errorf("job queue full")
	}
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.queue:
			r.execute(ctx, job)
		}
	}
}

func (r *Runner) execute(ctx context.Context, job *store.Job) {
	stage := Stage(job.Stage)
	fn, ok := r.reg[stage]
	if !ok {
		r.appendLog(job.ID, "no handler for stage "+job.Stage)
		_ = r.store.MarkJobFinished(ctx, job.ID, StatusFailed, config.Now())
		return
	}
	_ = r.store.MarkJobStarted(ctx, job.ID, config.Now())
	params := map[string]any{}
	_ = json.Unmarshal([]byte(job.ParamsJSON), &params)

	log := r.log.WithFields(logrus.Fields{"jobId": job.ID, "callId": job.CallID, "stage": job.Stage})
	if err := fn(ctx, job.CallID, params); err != nil {
		log.WithError(err).Error("stage failed")
		msg := err.Error()
		r.appendLog(job.ID, "error: "+msg)
		metrics.IncFailed()
		_ = r.store.MarkJobFinished(ctx, job.ID, StatusFailed, config.Now())
		_ = r.store.UpdateCallStage(ctx, job.CallID, job.Stage, StatusFailed, &msg, config.Now())
		return
	}
	log.Info("stage succeeded")
	_ = r.store.MarkJobFinished(ctx, job.ID, StatusSucceeded, config.Now())
	_ = r.store.UpdateCallStage(ctx, job.CallID, job.Stage, StatusSucceeded, nil, config.Now())
}

func (r *Runner) appendLog(jobID int64, msg string) {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	ts := config.Now()
	_ = r.store.AppendJobLog(context.Background(), jobID, msg, ts)
	r.logBuffer[jobID] = append(r.logBuffer[jobID], fmt.Sprintf("%s %s", ts.Format(time.RFC3339), msg))
	if len(r.logBuffer[jobID]) > 200 {
		r.logBuffer[jobID] = r.logBuffer[jobID][len(r.logBuffer[jobID])-200:]
	}
}

// Logs returns the in-memory tail for the ops endpoint.
func (r *Runner) Logs(jobID int64) []string {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	return append([]string(nil), r.logBuffer[jobID]...)
}

func idempotencyKey(callID string, stage Stage, payload []byte) string {
	h := sha256.Sum256([]byte(callID + string(stage) + string(payload)))
	return hex.EncodeToString(h[:])
}

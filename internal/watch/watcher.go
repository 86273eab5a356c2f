// Package watch monitors the local calls directory and feeds new recordings
// into the pipeline.
package watch

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/aviov/ct-toru/internal/config"
	"github.com/aviov/ct-toru/internal/jobs"
)

// Watcher enqueues an ingest job for every audio file dropped in CALLS_DIR.
type Watcher struct {
	cfg    config.Config
	runner *jobs.Runner
	log    *logrus.Entry
}

func New(cfg config.Config, runner *jobs.Runner, log *logrus.Entry) *Watcher {
	return &Watcher{cfg: cfg, runner: runner, log: log}
}

func (w *Watcher) Start(ctx context.Context) error {
	if !w.cfg.EnableWatcher {
		w.log.Info("watcher disabled")
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-watcher.Events:
				if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && w.isAudio(evt.Name) {
					w.enqueue(ctx, evt.Name)
				}
			case err := <-watcher.Errors:
				w.log.WithError(err).Warn("watcher error")
			}
		}
	}()
	return watcher.Add(w.cfg.CallsDir)
}

func (w *Watcher) enqueue(ctx context.Context, path string) {
	callID := callIDFromFile(path)
	w.log.WithFields(logrus.Fields{"file": path, "callId": callID}).Info("new recording detected")
	if _, err := w.runner.Enqueue(ctx, callID, jobs.StageIngest, map[string]any{"path": path}); err != nil {
		w.log.WithError(err).WithField("file", path).Error("enqueue ingest failed")
	}
}

func (w *Watcher) isAudio(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3", ".wav", ".m4a", ".aac", ".flac", ".ogg":
		return true
	default:
		return false
	}
}

// Backfill enqueues ingest for recordings already present at startup.
func (w *Watcher) Backfill(ctx context.Context) error {
	entries, err := filepath.Glob(filepath.Join(w.cfg.CallsDir, "*"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if w.isAudio(e) {
			w.enqueue(ctx, e)
		}
	}
	return nil
}

// Recordings are named {caller}_{uniqueid}.{ext}; the call id is the part
// after the underscore.
func callIDFromFile(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if idx := strings.Index(base, "_"); idx >= 0 && idx+1 < len(base) {
		return base[idx+1:]
	}
	return base
}

package host

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/hojune02/ironspider-extension/internal/config"
)

// artifactWatcher logs filesystem changes to the served payload directory so
// the demo shows artifact loss and re-delivery in the host's own log.
type artifactWatcher struct {
	w       *fsnotify.Watcher
	logger  *slog.Logger
	payload string // absolute-ish path of the payload artifact
}

func newArtifactWatcher(cfg config.HostConfig, logger *slog.Logger) (*artifactWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	payload := filepath.Join(cfg.Dir, filepath.FromSlash(cfg.PayloadFile))
	if err := w.Add(filepath.Dir(payload)); err != nil {
		w.Close()
		return nil, err
	}
	return &artifactWatcher{w: w, logger: logger, payload: payload}, nil
}

func (a *artifactWatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.w.Events:
			if !ok {
				return
			}
			isPayload := filepath.Clean(ev.Name) == filepath.Clean(a.payload)
			switch {
			case isPayload && ev.Has(fsnotify.Remove) || isPayload && ev.Has(fsnotify.Rename):
				a.logger.Warn("payload artifact removed from disk", "path", ev.Name)
			case isPayload && (ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)):
				a.logger.Info("payload artifact present on disk", "path", ev.Name, "op", ev.Op.String())
			default:
				a.logger.Debug("served directory changed", "path", ev.Name, "op", ev.Op.String())
			}
		case err, ok := <-a.w.Errors:
			if !ok {
				return
			}
			a.logger.Warn("artifact watcher error", "error", err)
		}
	}
}

func (a *artifactWatcher) close() {
	a.w.Close()
}

package cue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alnlabs/aln-orchestrator/internal/log"
	"github.com/alnlabs/aln-orchestrator/internal/model"
)

const reloadDebounce = 500 * time.Millisecond

// cueFile is the on-disk shape: either a bare array or an object wrapper.
type cueFile struct {
	Cues json.RawMessage `json:"cues"`
}

// LoadFile reads and installs a cue set from a JSON file.
func (e *Engine) LoadFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	payload := raw
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		var wrapper cueFile
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return err
		}
		payload = wrapper.Cues
	}
	var defs []model.CueDefinition
	if err := json.Unmarshal(payload, &defs); err != nil {
		return err
	}
	return e.LoadCues(ctx, defs)
}

// Watch re-installs the cue set whenever the file changes on disk. Editors
// commonly write via rename, so the parent directory is watched and events
// filtered to the target name. Blocks until ctx is done.
func (e *Engine) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(path)
	logger := log.WithComponent("cue")

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Debounce editor save bursts into one reload.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				if err := e.LoadFile(context.WithoutCancel(ctx), path); err != nil {
					logger.Error().Err(err).Str("path", path).Msg("cue reload failed; previous set kept")
					return
				}
				logger.Info().Str("path", path).Msg("cue set reloaded")
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("cue watcher error")
		}
	}
}

package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when watched files change.
type WatchTargets struct {
	// RulesFile is the base name of the rules file, e.g. "rules.yaml".
	RulesFile string

	// OnRulesChange fires when the rules file is written or created.
	// Typically triggers compliance.RuleEngine.Reload.
	OnRulesChange func()
}

// Watcher monitors a directory for changes to the rules file using fsnotify.
// Call Close to stop it.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher starts watching dir. Editors often replace a file instead of
// writing it in place, so the directory is watched rather than the file.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	if targets.RulesFile == "" {
		targets.RulesFile = "rules.yaml"
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}
	go w.processEvents(targets)

	slog.Info("file watcher started", "dir", dir, "rules", targets.RulesFile)
	return w, nil
}

func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) == targets.RulesFile {
				slog.Info("rules file changed, triggering reload", "file", event.Name)
				if targets.OnRulesChange != nil {
					targets.OnRulesChange()
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}

package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/aiquota/pkg/quota"
)

const fileDebounce = 100 * time.Millisecond

// LoadFile parses a catalog JSON document.
func LoadFile(path string) (quota.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return quota.Catalog{}, fmt.Errorf("read catalog file: %w", err)
	}
	var cat quota.Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return quota.Catalog{}, fmt.Errorf("parse catalog file %s: %w", path, err)
	}
	if err := cat.Validate(); err != nil {
		return quota.Catalog{}, fmt.Errorf("catalog file %s: %w", path, err)
	}
	return cat, nil
}

// FileWatcher imports a catalog file into the store whenever it changes.
type FileWatcher struct {
	path    string
	manager *Manager
	watcher *fsnotify.Watcher
}

// NewFileWatcher watches the directory holding path.
func NewFileWatcher(path string, manager *Manager) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	return &FileWatcher{path: path, manager: manager, watcher: w}, nil
}

// Run imports the file once, then on every write until ctx is done.
func (fw *FileWatcher) Run(ctx context.Context) {
	defer fw.watcher.Close()

	fw.importFile(ctx)
	log.Info().Str("path", fw.path).Msg("Watching catalog file for changes")

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(fw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				debounce = time.After(fileDebounce)
			}
		case <-debounce:
			debounce = nil
			log.Info().Str("path", fw.path).Msg("Detected catalog file change")
			fw.importFile(ctx)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Catalog watcher error")
		}
	}
}

func (fw *FileWatcher) importFile(ctx context.Context) {
	cat, err := LoadFile(fw.path)
	if err != nil {
		log.Error().Err(err).Msg("Catalog file rejected")
		return
	}
	saved, err := fw.manager.Import(ctx, cat)
	if err != nil {
		log.Error().Err(err).Msg("Failed to import catalog file")
		return
	}
	log.Info().Int64("version", saved.Version).Int("plans", len(saved.Plans)).Msg("Catalog file imported")
}

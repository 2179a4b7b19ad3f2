package dynconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const reloadDelay = 500 * time.Millisecond

// File is a Service backed by a YAML document of flat keys:
//
//	anchor.converge.enabled: true
//
// Watch keeps the values current as the file changes.
type File struct {
	path   string
	logger zerolog.Logger

	mu    sync.RWMutex
	flags map[string]bool
}

// NewFile loads path. A missing file is treated as empty so every flag
// falls back to its default until the file appears.
func NewFile(path string) (*File, error) {
	f := &File{
		path:   path,
		logger: log.With().Str("component", "dynconfig").Str("path", path).Logger(),
		flags:  map[string]bool{},
	}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// IsEnabled implements Service.
func (f *File) IsEnabled(_ context.Context, key string, defaultValue bool) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if v, ok := f.flags[key]; ok {
		return v
	}
	return defaultValue
}

// Reload re-reads the file.
func (f *File) Reload() error {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		f.swap(map[string]bool{})
		return nil
	}
	if err != nil {
		return fmt.Errorf("read flags file: %w", err)
	}

	flags, err := parseFlags(data)
	if err != nil {
		return fmt.Errorf("parse flags file %s: %w", f.path, err)
	}
	f.swap(flags)
	return nil
}

func (f *File) swap(flags map[string]bool) {
	f.mu.Lock()
	f.flags = flags
	f.mu.Unlock()
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so that editors replacing the file are noticed.
func (f *File) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}

	f.logger.Info().Msg("watching flags file")

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	target := filepath.Clean(f.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				if err := f.Reload(); err != nil {
					f.logger.Error().Err(err).Msg("flags reload failed, keeping previous values")
					return
				}
				f.logger.Info().Msg("flags reloaded")
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn().Err(err).Msg("flags watcher error")
		}
	}
}

// parseFlags accepts booleans and boolean-looking strings. Non-boolean
// values are rejected so a typo cannot silently read as false.
func parseFlags(data []byte) (map[string]bool, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	flags := make(map[string]bool, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case bool:
			flags[k] = val
		case string:
			b, err := strconv.ParseBool(val)
			if err != nil {
				return nil, fmt.Errorf("flag %q: %w", k, err)
			}
			flags[k] = b
		default:
			return nil, fmt.Errorf("flag %q: unsupported value %v", k, v)
		}
	}
	return flags, nil
}

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/crash-course/backend/pkg/observability"
	"github.com/crash-course/backend/pkg/ratelimit"
)

// LoadLimitsFile reads per-tag rate limit overrides from a YAML file
// and merges them over the built-in defaults. Tags absent from the
// file keep their default policy.
func LoadLimitsFile(path string) (map[string]ratelimit.TagConfig, error) {
	tags := DefaultTags()
	if path == "" {
		return tags, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read limits file: %w", err)
	}

	overrides := map[string]ratelimit.TagConfig{}
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse limits file: %w", err)
	}
	for tag, tc := range overrides {
		if tc.Rate <= 0 || tc.Max <= 0 {
			return nil, fmt.Errorf("limits file: tag %q needs positive rate and max", tag)
		}
		tags[tag] = tc
	}
	return tags, nil
}

// WatchLimitsFile reloads the limits file whenever it changes and
// hands the merged tag set to apply. Editors typically replace the
// file rather than write in place, so the watch is on the directory.
// Blocks until ctx is done.
func WatchLimitsFile(ctx context.Context, path string, logger *observability.Logger, apply func(map[string]ratelimit.TagConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			tags, err := LoadLimitsFile(path)
			if err != nil {
				logger.WithError(err).Warn("ignoring limits file change")
				continue
			}
			apply(tags)
			logger.WithField("file", path).Info("reloaded rate limits")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("limits file watcher error")
		}
	}
}

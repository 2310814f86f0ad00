package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Overrides is the on-disk overrides file format.
type Overrides struct {
	Allow []string `yaml:"allow" json:"allow"`
	Deny  []string `yaml:"deny" json:"deny"`
}

// LoadFile reads and parses an overrides YAML file.
func LoadFile(path string) (Overrides, error) {
	var o Overrides
	data, err := os.ReadFile(path)
	if err != nil {
		return o, fmt.Errorf("policy: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	return o, nil
}

// Watcher hot-reloads an overrides file and hands each parsed version to an
// apply function.
type Watcher struct {
	path     string
	apply    func(Overrides) error
	debounce time.Duration
}

// NewWatcher creates a Watcher for path. apply is called once at start and
// after each change; it should import atomically.
func NewWatcher(path string, apply func(Overrides) error) *Watcher {
	return &Watcher{path: path, apply: apply, debounce: 500 * time.Millisecond}
}

// Run loads the file once and then watches it until ctx is cancelled. A
// missing file is not an error; it is picked up when created.
func (w *Watcher) Run(ctx context.Context) error {
	absPath, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("policy: resolve %s: %w", w.path, err)
	}

	if _, err := os.Stat(absPath); err == nil {
		w.reload(absPath)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy: create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory; editors replace files rather than writing in place.
	dir := filepath.Dir(absPath)
	name := filepath.Base(absPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("policy: watch %s: %w", dir, err)
	}
	slog.Info("policy: watching overrides file", "path", absPath)

	var timer *time.Timer
	fired := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fired <- struct{}{}:
				default:
				}
			})
		case <-fired:
			if _, err := os.Stat(absPath); err != nil {
				continue
			}
			w.reload(absPath)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("policy: watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload(path string) {
	o, err := LoadFile(path)
	if err != nil {
		slog.Warn("policy: overrides file rejected", "error", err)
		return
	}
	if err := w.apply(o); err != nil {
		slog.Warn("policy: overrides import failed", "path", path, "error", err)
		return
	}
	slog.Info("policy: overrides reloaded", "allow", len(o.Allow), "deny", len(o.Deny))
}

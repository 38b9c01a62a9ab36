package plan

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LibraryConfig configures a definition Library.
type LibraryConfig struct {
	// Dir is the definitions directory.
	Dir string

	// Pattern is the doublestar glob matched against paths relative to
	// Dir. Defaults to "**/*.yaml".
	Pattern string

	// DebounceDelay is how long to wait for more file changes before
	// reloading.
	DebounceDelay time.Duration

	// Logger for load and reload events.
	Logger *slog.Logger
}

// Library holds validated state-machine definitions, indexed by the goal
// event type that instantiates them. Watch keeps the library in sync with
// the definitions directory; a file that fails to parse or validate is
// skipped without dropping the previously loaded good version.
type Library struct {
	dir      string
	pattern  string
	debounce time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	byGoal map[string]*Definition
}

// NewLibrary creates a definition library for the given directory.
func NewLibrary(cfg LibraryConfig) *Library {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pattern := cfg.Pattern
	if pattern == "" {
		pattern = "**/*.yaml"
	}
	debounce := cfg.DebounceDelay
	if debounce == 0 {
		debounce = 200 * time.Millisecond
	}
	return &Library{
		dir:      cfg.Dir,
		pattern:  pattern,
		debounce: debounce,
		logger:   logger,
		byGoal:   make(map[string]*Definition),
	}
}

// Load reads every definition file matching the pattern. Invalid files
// are logged and skipped; previously loaded definitions survive unless a
// valid replacement for the same goal event appears.
func (l *Library) Load() error {
	matches, err := doublestar.Glob(os.DirFS(l.dir), l.pattern)
	if err != nil {
		return fmt.Errorf("glob definitions: %w", err)
	}

	loaded := 0
	for _, rel := range matches {
		path := filepath.Join(l.dir, rel)
		def, err := LoadDefinition(path)
		if err != nil {
			l.logger.Warn("Skipping invalid definition",
				"path", path,
				"error", err)
			continue
		}

		l.mu.Lock()
		l.byGoal[def.GoalEvent] = def
		l.mu.Unlock()
		loaded++
	}

	l.logger.Info("Loaded plan definitions",
		"dir", l.dir,
		"pattern", l.pattern,
		"matched", len(matches),
		"loaded", loaded)
	return nil
}

// Put registers a validated definition directly, replacing any loaded
// definition for the same goal event.
func (l *Library) Put(def *Definition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byGoal[def.GoalEvent] = def
}

// Get returns the definition bound to a goal event type.
func (l *Library) Get(goalEvent string) (*Definition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.byGoal[goalEvent]
	return def, ok
}

// GoalEvents returns the goal event types with a loaded definition.
func (l *Library) GoalEvents() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	events := make([]string, 0, len(l.byGoal))
	for e := range l.byGoal {
		events = append(events, e)
	}
	return events
}

// Watch reloads the library when files under the definitions directory
// change, debounced, until the context is cancelled.
func (l *Library) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(l.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}

	go func() {
		defer fsw.Close()

		var timer *time.Timer
		var timerC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(l.debounce)
					timerC = timer.C
				} else {
					timer.Reset(l.debounce)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				l.logger.Warn("Definition watcher error", "error", err)
			case <-timerC:
				timer = nil
				timerC = nil
				if err := l.Load(); err != nil {
					l.logger.Error("Definition reload failed", "error", err)
					continue
				}
				definitionsReloaded.Inc()
			}
		}
	}()

	return nil
}

// LoadDefinition reads and validates a single YAML definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

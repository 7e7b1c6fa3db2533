package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ben-mad-jlp/claude-mermaid-collab/broadcast"
)

// ErrDiagramNotFound is returned when a named diagram does not exist.
var ErrDiagramNotFound = errors.New("diagram not found")

// DefaultDiagramChannel is the broadcast channel carrying diagram events.
const DefaultDiagramChannel = "diagrams"

const diagramExt = ".mmd"

// Diagram names double as file names, so they are restricted to a safe set.
var diagramNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Diagram is one named Mermaid document.
type Diagram struct {
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// diagramEvent is the wire shape broadcast on diagram mutations.
type diagramEvent struct {
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	Deleted   bool      `json:"deleted,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DiagramStoreOption configures a DiagramStore.
type DiagramStoreOption func(*DiagramStore)

// WithDiagramLogger sets the store's logger.
func WithDiagramLogger(log *slog.Logger) DiagramStoreOption {
	return func(s *DiagramStore) { s.log = log }
}

// WithDiagramChannel sets the broadcast channel for diagram events.
func WithDiagramChannel(channel string) DiagramStoreOption {
	return func(s *DiagramStore) {
		if channel != "" {
			s.channel = channel
		}
	}
}

// DiagramStore keeps named Mermaid documents in memory, persisted as .mmd
// files under one directory. Every mutation, including out-of-band file
// edits picked up by the watcher, broadcasts a diagram.updated event.
type DiagramStore struct {
	log     *slog.Logger
	dir     string
	bus     broadcast.Broadcaster
	channel string

	mu       sync.RWMutex
	diagrams map[string]Diagram

	watcher   *fsnotify.Watcher
	stop      chan struct{}
	stopOnce  sync.Once
	watchDone chan struct{}
}

// NewDiagramStore loads existing diagrams from dir (creating it if needed)
// and starts the file watcher.
func NewDiagramStore(dir string, bus broadcast.Broadcaster, opts ...DiagramStoreOption) (*DiagramStore, error) {
	s := &DiagramStore{
		log:       slog.New(slog.DiscardHandler),
		dir:       dir,
		bus:       bus,
		channel:   DefaultDiagramChannel,
		diagrams:  make(map[string]Diagram),
		stop:      make(chan struct{}),
		watchDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create diagram dir: %w", err)
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to start diagram watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch diagram dir: %w", err)
	}
	s.watcher = watcher
	go s.watchLoop()

	return s, nil
}

// Close stops the watcher. Stored diagrams remain on disk.
func (s *DiagramStore) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stop)
		err = s.watcher.Close()
		<-s.watchDone
	})
	return err
}

func (s *DiagramStore) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read diagram dir: %w", err)
	}
	for _, entry := range entries {
		name, ok := diagramName(entry.Name())
		if !ok || entry.IsDir() {
			continue
		}
		if _, err := s.loadFile(name); err != nil {
			s.log.Warn("diagram.load.fail", slog.String("name", name), slog.String("err", err.Error()))
		}
	}
	s.log.Info("diagram.load", slog.Int("count", len(s.diagrams)))
	return nil
}

// loadFile reads one .mmd file into memory. It reports whether the in-memory
// copy changed, so watcher echoes of our own writes stay quiet.
func (s *DiagramStore) loadFile(name string) (bool, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, name+diagramExt))
	if err != nil {
		return false, err
	}
	content := string(raw)

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.diagrams[name]; ok && cur.Content == content {
		return false, nil
	}
	s.diagrams[name] = Diagram{Name: name, Content: content, UpdatedAt: time.Now()}
	return true, nil
}

// Save persists a diagram and broadcasts the update.
func (s *DiagramStore) Save(ctx context.Context, name, content string) error {
	if !diagramNameRe.MatchString(name) {
		return fmt.Errorf("invalid diagram name %q", name)
	}

	if err := os.WriteFile(filepath.Join(s.dir, name+diagramExt), []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write diagram: %w", err)
	}

	now := time.Now()
	s.mu.Lock()
	s.diagrams[name] = Diagram{Name: name, Content: content, UpdatedAt: now}
	s.mu.Unlock()

	s.broadcast(ctx, name, false, now)
	s.log.InfoContext(ctx, "diagram.save", slog.String("name", name), slog.Int("bytes", len(content)))
	return nil
}

// Get returns a diagram by name.
func (s *DiagramStore) Get(name string) (Diagram, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.diagrams[name]
	if !ok {
		return Diagram{}, fmt.Errorf("%w: %s", ErrDiagramNotFound, name)
	}
	return d, nil
}

// List returns all diagrams sorted by name.
func (s *DiagramStore) List() []Diagram {
	s.mu.RLock()
	out := make([]Diagram, 0, len(s.diagrams))
	for _, d := range s.diagrams {
		out = append(out, d)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Delete removes a diagram from memory and disk and broadcasts the removal.
func (s *DiagramStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	_, ok := s.diagrams[name]
	delete(s.diagrams, name)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDiagramNotFound, name)
	}

	if err := os.Remove(filepath.Join(s.dir, name+diagramExt)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove diagram file: %w", err)
	}

	s.broadcast(ctx, name, true, time.Now())
	s.log.InfoContext(ctx, "diagram.delete", slog.String("name", name))
	return nil
}

func (s *DiagramStore) broadcast(ctx context.Context, name string, deleted bool, at time.Time) {
	data, err := json.Marshal(diagramEvent{Type: "diagram.updated", Name: name, Deleted: deleted, UpdatedAt: at})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, s.channel, data); err != nil {
		s.log.WarnContext(ctx, "diagram.broadcast.fail", slog.String("name", name), slog.String("err", err.Error()))
	}
}

// watchLoop propagates out-of-band file edits: anyone editing a .mmd file
// directly gets the same broadcast as a Save through the API.
func (s *DiagramStore) watchLoop() {
	defer close(s.watchDone)
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleFileEvent(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("diagram.watch.err", slog.String("err", err.Error()))
		}
	}
}

func (s *DiagramStore) handleFileEvent(ev fsnotify.Event) {
	name, ok := diagramName(filepath.Base(ev.Name))
	if !ok {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		s.mu.Lock()
		_, existed := s.diagrams[name]
		delete(s.diagrams, name)
		s.mu.Unlock()
		if existed {
			s.broadcast(context.Background(), name, true, time.Now())
			s.log.Info("diagram.watch.remove", slog.String("name", name))
		}
	case ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create):
		changed, err := s.loadFile(name)
		if err != nil {
			s.log.Warn("diagram.watch.fail", slog.String("name", name), slog.String("err", err.Error()))
			return
		}
		if changed {
			s.broadcast(context.Background(), name, false, time.Now())
			s.log.Info("diagram.watch.update", slog.String("name", name))
		}
	}
}

func diagramName(base string) (string, bool) {
	if !strings.HasSuffix(base, diagramExt) {
		return "", false
	}
	name := strings.TrimSuffix(base, diagramExt)
	if !diagramNameRe.MatchString(name) {
		return "", false
	}
	return name, true
}

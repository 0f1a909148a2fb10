package stream

import (
	"errors"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/san-kum/knife-guard/server/metrics"
	"github.com/san-kum/knife-guard/server/processor"
	"github.com/san-kum/knife-guard/server/session"
)

var ErrTooManyStreams = errors.New("too many streams")

// DefaultStreamID is used by clients that do not name their stream.
const DefaultStreamID = "default"

// Manager owns the streams known to the server.
type Manager struct {
	deps       *Deps
	config     processor.Config
	opts       session.Options
	maxStreams int

	mu      sync.RWMutex
	streams map[string]*Stream
}

func NewManager(cfg processor.Config, opts session.Options, maxStreams int, deps Deps) *Manager {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Manager{
		deps:       &deps,
		config:     cfg,
		opts:       opts,
		maxStreams: maxStreams,
		streams:    make(map[string]*Stream),
	}
}

func (m *Manager) Get(id string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[id]
	return s, ok
}

// GetOrCreate returns the stream named id, creating it on first use.
func (m *Manager) GetOrCreate(id string) (*Stream, error) {
	if id == "" {
		id = DefaultStreamID
	}
	if s, ok := m.Get(id); ok {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.streams[id]; ok {
		return s, nil
	}
	if m.maxStreams > 0 && len(m.streams) >= m.maxStreams {
		return nil, ErrTooManyStreams
	}

	s := newStream(id, m.config, m.opts, m.deps)
	m.streams[id] = s
	m.deps.Metrics.ActiveStreams.Store(int64(len(m.streams)))
	m.deps.Logger.Info("Stream created", zap.String("stream", id))
	return s, nil
}

// Remove resets and forgets the stream.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	s, ok := m.streams[id]
	delete(m.streams, id)
	m.deps.Metrics.ActiveStreams.Store(int64(len(m.streams)))
	m.mu.Unlock()

	if ok {
		s.Reset()
	}
	return ok
}

// IDs returns the stream names in sorted order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	ids := lo.Keys(m.streams)
	m.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (m *Manager) Statuses() []Status {
	return lo.FilterMap(m.IDs(), func(id string, _ int) (Status, bool) {
		s, ok := m.Get(id)
		if !ok {
			return Status{}, false
		}
		return s.Status(), true
	})
}

func (m *Manager) Metrics() *metrics.Metrics {
	return m.deps.Metrics
}

func (m *Manager) DefaultConfig() processor.Config {
	return m.config
}

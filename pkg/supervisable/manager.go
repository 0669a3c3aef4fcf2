package supervisable

import (
	"encoding/json"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "jobkit/pkg/logx"
)

// Codec is the business-context half of Events.
type Codec interface {
	ExtractContext(v any) (json.RawMessage, error)
	BusinessObject(raw json.RawMessage, target any) error
}

// Manager creates Supervisables and fans their end-events out to consumers.
// It implements Events.
type Manager struct {
	log   logx.Logger
	codec Codec

	mu        sync.RWMutex
	consumers []Consumer

	created   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

type ManagerOption func(*Manager)

// WithCodec replaces the default encoding/json business-context codec.
func WithCodec(c Codec) ManagerOption {
	return func(m *Manager) {
		if c != nil {
			m.codec = c
		}
	}
}

// WithConsumers registers consumers at construction time.
func WithConsumers(cs ...Consumer) ManagerOption {
	return func(m *Manager) { m.consumers = append(m.consumers, cs...) }
}

func NewManager(log logx.Logger, opts ...ManagerOption) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{log: log, codec: DefaultEvents{}}
	for _, o := range opts {
		o(m)
	}
	return m
}

// New creates a Supervisable bound to this manager.
func (m *Manager) New(spoolName, jobName string) *Supervisable {
	m.created.Add(1)
	return New(spoolName, jobName, m)
}

// Register adds a consumer. Consumers added later only see later events.
func (m *Manager) Register(c Consumer) {
	if c == nil {
		return
	}
	m.mu.Lock()
	m.consumers = append(m.consumers, c)
	m.mu.Unlock()
}

func (m *Manager) OnEnd(s *Supervisable, err error) {
	ev := s.EndEvent()

	m.mu.RLock()
	cs := append([]Consumer(nil), m.consumers...)
	m.mu.RUnlock()

	for _, c := range cs {
		m.deliver(c, ev)
	}
	m.delivered.Add(1)

	if err != nil && m.log.Enabled(logx.LevelDebug) {
		m.log.Debug("supervisable ended with error", logx.String("spool", ev.SpoolName), logx.String("job", ev.JobName), logx.Err(err))
	}
}

func (m *Manager) deliver(c Consumer, ev EndEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.failed.Add(1)
			m.log.Error("supervisable consumer panicked", logx.String("job", ev.JobName), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	c.Consume(ev)
}

func (m *Manager) ExtractContext(v any) (json.RawMessage, error) {
	return m.codec.ExtractContext(v)
}

func (m *Manager) BusinessObject(raw json.RawMessage, target any) error {
	return m.codec.BusinessObject(raw, target)
}

// Extractor returns a context extractor for ev using this manager's codec.
func (m *Manager) Extractor(ev EndEvent) Extractor {
	return Extractor{ev: ev, codec: m.codec}
}

// Stats is a best-effort counter snapshot.
type Stats struct {
	Created        uint64 `json:"created"`
	Delivered      uint64 `json:"delivered"`
	ConsumerPanics uint64 `json:"consumer_panics"`
	ConsumerCount  int    `json:"consumers"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	n := len(m.consumers)
	m.mu.RUnlock()
	return Stats{
		Created:        m.created.Load(),
		Delivered:      m.delivered.Load(),
		ConsumerPanics: m.failed.Load(),
		ConsumerCount:  n,
	}
}

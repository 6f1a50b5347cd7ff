package ingest

import (
	"context"
	"errors"
	"sync"

	"poly-sniper/internal/event"

	"go.uber.org/zap"
)

// Manual is the test/operator ingester: events enter the pipeline only via
// Inject, with the same shape as live ones.
type Manual struct {
	name string
	log  *zap.Logger

	mu        sync.Mutex
	connected bool
	closed    bool
	out       chan event.Event
}

func NewManual(name string, buffer int, log *zap.Logger) *Manual {
	if buffer <= 0 {
		buffer = 64
	}
	return &Manual{
		name: name,
		log:  log,
		out:  make(chan event.Event, buffer),
	}
}

func (m *Manual) Name() string { return m.name }

func (m *Manual) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotConnected
	}
	m.connected = true
	return nil
}

func (m *Manual) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	if !m.closed {
		m.closed = true
		close(m.out)
	}
	return nil
}

// Subscribe is accepted but meaningless for a manual source.
func (m *Manual) Subscribe(tokenIDs ...string) error { return nil }

// Inject enqueues a synthetic external event.
func (m *Manual) Inject(content, source string) error {
	if source == "" {
		source = "manual"
	}
	ev, err := event.NewExternalSignal(content, source)
	if err != nil {
		return err
	}
	return m.InjectEvent(ev)
}

// InjectEvent enqueues an arbitrary pre-built event, market ticks included.
func (m *Manual) InjectEvent(ev event.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.connected {
		return ErrNotConnected
	}
	select {
	case m.out <- ev:
	default:
		return errors.New("manual ingester queue is full")
	}
	if m.log != nil {
		m.log.Debug("injected event", zap.String("source", ev.Source), zap.String("token", ev.TokenID))
	}
	return nil
}

func (m *Manual) Stream() <-chan event.Event { return m.out }

func (m *Manual) Err() error { return nil }

func (m *Manual) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

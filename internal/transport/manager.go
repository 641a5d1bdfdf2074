// Package transport owns the single real-time connection of the process and
// fans each received envelope out to registered observers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/sectorsync/internal/bus"
	"github.com/matheus3301/sectorsync/internal/status"
	"github.com/matheus3301/sectorsync/internal/syncerr"
	"github.com/matheus3301/sectorsync/internal/wire"
)

const dialTimeout = 15 * time.Second

// Observer receives every envelope of the active connection. A returned error
// is logged; it does not affect other observers.
type Observer func(wire.Envelope) error

// ObserverID identifies a registered observer for removal.
type ObserverID uint64

// ErrorListener is told about dial failures and unexpected closes.
type ErrorListener func(*syncerr.TransportError)

// Conn is one established real-time connection.
type Conn interface {
	// Read blocks until the next text frame arrives.
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens connections. Tests substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, credential, contextID string) (Conn, error)
}

// ErrUnauthorized is returned by dialers when the server rejects the credential.
var ErrUnauthorized = errors.New("credential rejected")

type observerEntry struct {
	id ObserverID
	fn Observer
}

// Manager holds at most one connection, scoped to one context (sector).
// It never reconnects on its own.
type Manager struct {
	dialer  Dialer
	machine *status.Machine
	bus     *bus.Bus
	log     *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	contextID string
	conn      Conn
	cancel    context.CancelFunc
	gen       uint64
	observers []observerEntry
	nextID    ObserverID
	listeners []ErrorListener
}

func NewManager(d Dialer, m *status.Machine, b *bus.Bus, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = status.NewMachine(b)
	}
	return &Manager{
		dialer:  d,
		machine: m,
		bus:     b,
		log:     log,
		now:     time.Now,
	}
}

// Connect opens a connection for contextID and registers observer (when non-nil).
// Calling it again for the context already connecting or open only registers
// the observer. A different context tears the current one down first, which
// also clears its observers. The dial itself runs in the background; failures
// are reported to error listeners.
func (m *Manager) Connect(ctx context.Context, credential, contextID string, observer Observer) (ObserverID, error) {
	if contextID == "" {
		return 0, fmt.Errorf("connect: empty context")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	state := m.machine.Current()
	if m.contextID == contextID && (state == status.Connecting || state == status.Open) {
		id := m.addObserverLocked(observer)
		m.mu.Unlock()
		return id, nil
	}

	// A closed connection to the same context is redialed with its observers
	// kept; any other context is torn down first.
	var old Conn
	if m.contextID != "" && m.contextID != contextID {
		old = m.teardownLocked()
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.contextID = contextID
	m.gen++
	gen := m.gen
	connCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	id := m.addObserverLocked(observer)
	if err := m.machine.Transition(status.Connecting, contextID); err != nil {
		m.log.Warn("unexpected state before dial", zap.Error(err))
	}
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	go m.run(connCtx, gen, credential, contextID)
	return id, nil
}

// AddObserver registers fn on the current connection.
func (m *Manager) AddObserver(fn Observer) ObserverID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addObserverLocked(fn)
}

// RemoveObserver unregisters an observer. Unknown ids are ignored.
func (m *Manager) RemoveObserver(id ObserverID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = slices.DeleteFunc(m.observers, func(o observerEntry) bool { return o.id == id })
}

// OnError registers a listener for transport failures. Listeners survive
// disconnects; they belong to the process, not to a context.
func (m *Manager) OnError(fn ErrorListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Disconnect closes the connection, clears observers and releases the context.
// It is a no-op when nothing is connected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.contextID == "" {
		m.mu.Unlock()
		return
	}
	old := m.teardownLocked()
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// Close is Disconnect; it lets fx stop the manager.
func (m *Manager) Close() error {
	m.Disconnect()
	return nil
}

// State returns the connection lifecycle state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Context returns the context currently held, or "" when idle.
func (m *Manager) Context() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contextID
}

func (m *Manager) addObserverLocked(fn Observer) ObserverID {
	if fn == nil {
		return 0
	}
	m.nextID++
	m.observers = append(m.observers, observerEntry{id: m.nextID, fn: fn})
	return m.nextID
}

// teardownLocked invalidates the current generation and returns the
// connection for the caller to close outside the lock.
func (m *Manager) teardownLocked() Conn {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.observers = nil
	m.contextID = ""
	if err := m.machine.Transition(status.Idle, ""); err != nil {
		m.log.Warn("unexpected state on teardown", zap.Error(err))
	}
	return conn
}

func (m *Manager) run(ctx context.Context, gen uint64, credential, contextID string) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := m.dialer.Dial(dialCtx, credential, contextID)
	cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.markClosedLocked(contextID)
		m.mu.Unlock()
		code := syncerr.CodeTransportDial
		if errors.Is(err, ErrUnauthorized) {
			code = syncerr.CodeTransportAuth
		}
		m.report(&syncerr.TransportError{Code: code, Context: contextID, Err: err})
		return
	}
	m.conn = conn
	if err := m.machine.Transition(status.Open, contextID); err != nil {
		m.log.Warn("unexpected state after dial", zap.Error(err))
	}
	m.mu.Unlock()

	m.log.Info("connected", zap.String("sector", contextID))
	m.readLoop(ctx, gen, conn, contextID)
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn Conn, contextID string) {
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			m.mu.Lock()
			current := gen == m.gen
			if current {
				m.conn = nil
				m.markClosedLocked(contextID)
			}
			m.mu.Unlock()
			if current {
				_ = conn.Close()
				m.report(&syncerr.TransportError{Code: syncerr.CodeTransportClosed, Context: contextID, Err: err})
			}
			return
		}
		receivedAt := m.now()
		for _, line := range wire.SplitFrame(frame) {
			env, err := wire.Parse(line, receivedAt)
			if err != nil {
				m.log.Warn("dropping malformed envelope", zap.Error(err), zap.ByteString("raw", line))
				continue
			}
			if !m.deliver(gen, env) {
				return
			}
		}
	}
}

// deliver calls every observer of generation gen in registration order.
// It reports false when the generation has been torn down. The generation is
// rechecked before each observer, so once Disconnect returns no further
// observer of the old connection is called; one already running may finish.
func (m *Manager) deliver(gen uint64, env wire.Envelope) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	observers := slices.Clone(m.observers)
	m.mu.Unlock()

	for _, o := range observers {
		if !m.current(gen) {
			return false
		}
		m.notify(o, env)
	}
	return true
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Manager) notify(o observerEntry, env wire.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("observer panicked",
				zap.Uint64("observer", uint64(o.id)),
				zap.String("type", env.Type),
				zap.Any("panic", r),
			)
		}
	}()
	if err := o.fn(env); err != nil {
		m.log.Warn("observer failed",
			zap.Uint64("observer", uint64(o.id)),
			zap.String("type", env.Type),
			zap.Error(err),
		)
	}
}

func (m *Manager) markClosedLocked(contextID string) {
	if err := m.machine.Transition(status.Closed, contextID); err != nil {
		m.log.Warn("unexpected state on close", zap.Error(err))
	}
}

func (m *Manager) report(terr *syncerr.TransportError) {
	m.log.Warn("transport failure", zap.String("code", terr.Code), zap.String("sector", terr.Context), zap.Error(terr.Err))
	m.bus.Emit(bus.TransportError, terr)

	m.mu.Lock()
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("error listener panicked", zap.Any("panic", r))
				}
			}()
			fn(terr)
		}()
	}
}

package testhelpers

import (
	"sync"

	"github.com/dbehnke/collar-nexus/pkg/protocol"
	"github.com/dbehnke/collar-nexus/pkg/transport"
)

// MockChannel is a scripted transport.Channel. Packets pushed onto the
// control or bulk queue complete the next read on that pipe; reads block
// until then or until Close.
type MockChannel struct {
	control chan []byte
	bulk    chan []byte
	readErr chan error
	closed  chan struct{}

	closeOnce sync.Once

	mu       sync.RWMutex
	writes   [][]byte
	writeErr error
	onWrite  func(m *MockChannel, p []byte)
}

// NewMockChannel creates a mock channel with room for 64 queued packets per
// pipe.
func NewMockChannel() *MockChannel {
	return &MockChannel{
		control: make(chan []byte, 64),
		bulk:    make(chan []byte, 64),
		readErr: make(chan error, 8),
		closed:  make(chan struct{}),
	}
}

// PushControl queues a packet for the control pipe.
func (m *MockChannel) PushControl(pkt []byte) {
	m.control <- pkt
}

// PushBulk queues a packet for the bulk pipe.
func (m *MockChannel) PushBulk(pkt []byte) {
	m.bulk <- pkt
}

// FailRead makes the next read on either pipe return err.
func (m *MockChannel) FailRead(err error) {
	m.readErr <- err
}

// SetWriteError makes every following write fail with err (nil clears it).
func (m *MockChannel) SetWriteError(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

// OnWrite installs a hook run after each successful write.
func (m *MockChannel) OnWrite(fn func(m *MockChannel, p []byte)) {
	m.mu.Lock()
	m.onWrite = fn
	m.mu.Unlock()
}

// AckSessions answers every StartSession write with SessionStarted carrying
// unitID.
func (m *MockChannel) AckSessions(unitID uint32) {
	m.OnWrite(func(m *MockChannel, p []byte) {
		h, ok := protocol.ParseHeader(p)
		if ok && h.IsControl() && h.AppID == protocol.PIDStartSession {
			m.PushControl(SessionStartedPacket(unitID))
		}
	})
}

func (m *MockChannel) ReadControl(buf []byte) (int, error) {
	return m.read(m.control, buf)
}

func (m *MockChannel) ReadBulk(buf []byte) (int, error) {
	return m.read(m.bulk, buf)
}

func (m *MockChannel) read(q chan []byte, buf []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, transport.ErrClosed
	default:
	}

	select {
	case p := <-q:
		return copy(buf, p), nil
	case err := <-m.readErr:
		return 0, err
	case <-m.closed:
		return 0, transport.ErrClosed
	}
}

func (m *MockChannel) Write(p []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, transport.ErrClosed
	default:
	}

	m.mu.Lock()
	if m.writeErr != nil {
		err := m.writeErr
		m.mu.Unlock()
		return 0, err
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	m.writes = append(m.writes, cp)
	hook := m.onWrite
	m.mu.Unlock()

	if hook != nil {
		hook(m, cp)
	}
	return len(p), nil
}

// Close releases blocked reads. It is safe to call more than once.
func (m *MockChannel) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (m *MockChannel) Closed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// Writes returns a copy of everything written so far.
func (m *MockChannel) Writes() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

// Opener returns a transport.Opener that always yields m.
func (m *MockChannel) Opener() transport.Opener {
	return func() (transport.Channel, error) {
		return m, nil
	}
}

// Package session implements the USB protocol layer handshake: StartSession,
// the device's SessionStarted answer, and the application commands that are
// only valid once the session is up.
package session

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dbehnke/collar-nexus/pkg/logger"
	"github.com/dbehnke/collar-nexus/pkg/protocol"
)

// ErrNotReady is returned for application commands issued outside an active
// session.
var ErrNotReady = errors.New("session not active")

// State is the handshake state.
type State int

const (
	StateDisconnected State = iota
	StateAwaitingAck
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Config controls what happens when the session becomes active.
type Config struct {
	// StartCommand is sent as a CommandData application command on
	// activation when AutoStart is set.
	StartCommand uint16
	AutoStart    bool
}

// DefaultConfig starts PVT streaming on activation.
func DefaultConfig() Config {
	return Config{StartCommand: protocol.CmdStartPVTData, AutoStart: true}
}

// Session tracks handshake state over a duplex channel. It is safe for
// concurrent use.
type Session struct {
	w   io.Writer
	cfg Config
	log *logger.Logger

	mu       sync.RWMutex
	state    State
	unitID   uint32
	onChange func(from, to State)
}

// New creates a session writing to w.
func New(w io.Writer, cfg Config, log *logger.Logger) *Session {
	return &Session{
		w:     w,
		cfg:   cfg,
		log:   logger.OrDefault(log).WithComponent("session"),
		state: StateDisconnected,
	}
}

// OnStateChange registers a callback run after every transition. It is
// called without the session lock held.
func (s *Session) OnStateChange(fn func(from, to State)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsActive reports whether application commands may be sent.
func (s *Session) IsActive() bool {
	return s.State() == StateActive
}

// UnitID returns the unit ID the device reported, or zero.
func (s *Session) UnitID() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unitID
}

// Start sends StartSession and waits for the device's acknowledgement. A
// write failure leaves the session disconnected.
func (s *Session) Start() error {
	s.setState(StateAwaitingAck)
	s.log.Info("Sending start session")

	if err := s.write(protocol.BuildStartSession()); err != nil {
		s.Fail(err)
		return fmt.Errorf("failed to send start session: %w", err)
	}
	return nil
}

// HandleSessionStarted processes a SessionStarted control packet. Duplicate
// acknowledgements while active are ignored. On activation the configured
// start command is issued.
func (s *Session) HandleSessionStarted(payload []byte) error {
	started, err := protocol.DecodeSessionStarted(payload)
	if err != nil {
		s.log.Warn("Session started payload unreadable", logger.Error(err))
	}

	s.mu.Lock()
	from := s.state
	switch from {
	case StateActive:
		s.mu.Unlock()
		s.log.Debug("Duplicate session started ignored")
		return nil
	case StateDisconnected:
		s.mu.Unlock()
		s.log.Warn("Session started received without a pending start")
		return nil
	}
	s.state = StateActive
	s.unitID = started.UnitID
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(from, StateActive)
	}
	s.log.Info("Session started", logger.Uint32("unit_id", started.UnitID))

	if !s.cfg.AutoStart {
		return nil
	}
	if err := s.SendApplicationCommand(protocol.PIDCommandData, s.cfg.StartCommand); err != nil {
		return fmt.Errorf("failed to send start command: %w", err)
	}
	return nil
}

// SendApplicationCommand sends a 2-byte command code as an application-layer
// packet with the given packet ID.
func (s *Session) SendApplicationCommand(pid, code uint16) error {
	if !s.IsActive() {
		return fmt.Errorf("%w: command %d for packet ID %d", ErrNotReady, code, pid)
	}
	if err := s.write(protocol.BuildApplicationCommand(pid, code)); err != nil {
		s.Fail(err)
		return err
	}
	s.log.Debug("Sent application command", logger.Int("pid", int(pid)), logger.Int("code", int(code)))
	return nil
}

// Fail drops the session to disconnected after a transport failure.
func (s *Session) Fail(err error) {
	if s.State() != StateDisconnected {
		s.log.Warn("Session lost", logger.Error(err))
	}
	s.Reset()
}

// Reset returns to disconnected and forgets the unit ID.
func (s *Session) Reset() {
	s.mu.Lock()
	s.unitID = 0
	s.mu.Unlock()
	s.setState(StateDisconnected)
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil && from != to {
		fn(from, to)
	}
}

func (s *Session) write(pkt []byte) error {
	n, err := s.w.Write(pkt)
	if err != nil {
		return err
	}
	if n != len(pkt) {
		return fmt.Errorf("%w: wrote %d of %d bytes", io.ErrShortWrite, n, len(pkt))
	}
	return nil
}

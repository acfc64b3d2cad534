package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/dbehnke/collar-nexus/pkg/logger"
	"github.com/dbehnke/collar-nexus/pkg/protocol"
)

type recordingWriter struct {
	mu     sync.Mutex
	writes [][]byte
	err    error
	short  bool
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	w.writes = append(w.writes, cp)
	if w.short {
		return len(p) - 1, nil
	}
	return len(p), nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error"})
}

func unitPayload(id uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, id)
	return b
}

func TestSession_Handshake(t *testing.T) {
	w := &recordingWriter{}
	s := New(w, DefaultConfig(), testLogger())

	if s.State() != StateDisconnected {
		t.Fatalf("Expected initial state disconnected, got %s", s.State())
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.State() != StateAwaitingAck {
		t.Errorf("Expected awaiting_ack, got %s", s.State())
	}
	if len(w.writes) != 1 || !bytes.Equal(w.writes[0], protocol.BuildStartSession()) {
		t.Fatalf("Expected one start session packet, got %v", w.writes)
	}

	if err := s.HandleSessionStarted(unitPayload(3400123456)); err != nil {
		t.Fatalf("HandleSessionStarted failed: %v", err)
	}
	if !s.IsActive() {
		t.Errorf("Expected active, got %s", s.State())
	}
	if s.UnitID() != 3400123456 {
		t.Errorf("Expected unit ID 3400123456, got %d", s.UnitID())
	}
	if len(w.writes) != 2 || !bytes.Equal(w.writes[1], protocol.BuildStartPVTData()) {
		t.Errorf("Expected start PVT command after activation, got %v", w.writes)
	}
}

func TestSession_DuplicateAckIgnored(t *testing.T) {
	w := &recordingWriter{}
	s := New(w, DefaultConfig(), testLogger())
	_ = s.Start()
	_ = s.HandleSessionStarted(nil)
	_ = s.HandleSessionStarted(nil)

	if len(w.writes) != 2 {
		t.Errorf("Expected start command sent once, got %d writes", len(w.writes))
	}
}

func TestSession_AckWithoutStart(t *testing.T) {
	w := &recordingWriter{}
	s := New(w, DefaultConfig(), testLogger())

	if err := s.HandleSessionStarted(nil); err != nil {
		t.Fatalf("Expected stray ack to be tolerated, got %v", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("Expected to stay disconnected, got %s", s.State())
	}
	if len(w.writes) != 0 {
		t.Errorf("Expected no writes, got %d", len(w.writes))
	}
}

func TestSession_NoAutoStart(t *testing.T) {
	w := &recordingWriter{}
	s := New(w, Config{StartCommand: protocol.CmdStartPVTData}, testLogger())
	_ = s.Start()
	_ = s.HandleSessionStarted(nil)

	if len(w.writes) != 1 {
		t.Errorf("Expected only start session, got %d writes", len(w.writes))
	}
}

func TestSession_CommandNotReady(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Session)
	}{
		{"Disconnected", func(*Session) {}},
		{"Awaiting ack", func(s *Session) { _ = s.Start() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(&recordingWriter{}, DefaultConfig(), testLogger())
			tt.setup(s)
			err := s.SendApplicationCommand(protocol.PIDCommandData, protocol.CmdStartPVTData)
			if !errors.Is(err, ErrNotReady) {
				t.Errorf("Expected ErrNotReady, got %v", err)
			}
		})
	}
}

func TestSession_WriteFailure(t *testing.T) {
	boom := errors.New("device gone")
	w := &recordingWriter{err: boom}
	s := New(w, DefaultConfig(), testLogger())

	err := s.Start()
	if !errors.Is(err, boom) {
		t.Fatalf("Expected wrapped write error, got %v", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("Expected disconnected after write failure, got %s", s.State())
	}
}

func TestSession_ShortWrite(t *testing.T) {
	s := New(&recordingWriter{short: true}, DefaultConfig(), testLogger())
	if err := s.Start(); err == nil {
		t.Fatal("Expected short write to fail")
	}
}

func TestSession_FailFromActive(t *testing.T) {
	s := New(&recordingWriter{}, DefaultConfig(), testLogger())

	var transitions []State
	s.OnStateChange(func(_, to State) { transitions = append(transitions, to) })

	_ = s.Start()
	_ = s.HandleSessionStarted(unitPayload(7))
	s.Fail(errors.New("io"))

	expected := []State{StateAwaitingAck, StateActive, StateDisconnected}
	if len(transitions) != len(expected) {
		t.Fatalf("Expected transitions %v, got %v", expected, transitions)
	}
	for i := range expected {
		if transitions[i] != expected[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, expected[i], transitions[i])
		}
	}
	if s.UnitID() != 0 {
		t.Errorf("Expected unit ID cleared, got %d", s.UnitID())
	}
}

func TestState_String(t *testing.T) {
	if StateActive.String() != "active" {
		t.Errorf("Expected active, got %s", StateActive.String())
	}
	if State(9).String() != "unknown(9)" {
		t.Errorf("Expected unknown(9), got %s", State(9).String())
	}
}

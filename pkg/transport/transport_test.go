package transport_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/dbehnke/collar-nexus/internal/testhelpers"
	"github.com/dbehnke/collar-nexus/pkg/logger"
	"github.com/dbehnke/collar-nexus/pkg/protocol"
	"github.com/dbehnke/collar-nexus/pkg/transport"
)

func newTransport(t *testing.T) (*transport.Transport, *testhelpers.MockChannel) {
	t.Helper()
	ch := testhelpers.NewMockChannel()
	tr := transport.New(ch.Opener(), logger.New(logger.Config{Level: "error"}))
	if err := tr.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr, ch
}

func TestTransport_OpenError(t *testing.T) {
	tr := transport.New(func() (transport.Channel, error) {
		return nil, errors.New("no such device")
	}, nil)

	err := tr.Open()
	if !errors.Is(err, transport.ErrConnect) {
		t.Fatalf("Expected ErrConnect, got %v", err)
	}
	if tr.IsOpen() {
		t.Error("Expected transport to stay closed")
	}
}

func TestTransport_ControlRead(t *testing.T) {
	tr, ch := newTransport(t)
	pkt := testhelpers.DataAvailablePacket()
	ch.PushControl(pkt)

	op, err := tr.IssueControlRead(make([]byte, protocol.ControlReadSize))
	if err != nil {
		t.Fatalf("IssueControlRead failed: %v", err)
	}
	n, err := op.Wait(time.Second)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if n != len(pkt) || !bytes.Equal(op.Bytes(), pkt) {
		t.Errorf("Expected % X, got % X", pkt, op.Bytes())
	}
	if op.Pipe() != transport.PipeControl {
		t.Errorf("Expected control pipe, got %s", op.Pipe())
	}
}

func TestTransport_WaitTimeout(t *testing.T) {
	tr, ch := newTransport(t)

	op, err := tr.IssueControlRead(make([]byte, protocol.ControlReadSize))
	if err != nil {
		t.Fatalf("IssueControlRead failed: %v", err)
	}
	if _, err := op.Wait(20 * time.Millisecond); !errors.Is(err, transport.ErrPending) {
		t.Fatalf("Expected ErrPending, got %v", err)
	}

	// The same op completes later.
	ch.PushControl(testhelpers.DataAvailablePacket())
	if _, err := op.Wait(time.Second); err != nil {
		t.Errorf("Expected completion after push, got %v", err)
	}
}

func TestTransport_OneOutstandingReadPerPipe(t *testing.T) {
	tr, ch := newTransport(t)

	first, err := tr.IssueControlRead(make([]byte, protocol.ControlReadSize))
	if err != nil {
		t.Fatalf("IssueControlRead failed: %v", err)
	}
	if _, err := tr.IssueControlRead(make([]byte, protocol.ControlReadSize)); !errors.Is(err, transport.ErrBusy) {
		t.Errorf("Expected ErrBusy for second control read, got %v", err)
	}
	if _, err := tr.IssueBulkRead(make([]byte, protocol.BulkReadSize)); err != nil {
		t.Errorf("Expected bulk read to be independent, got %v", err)
	}

	ch.PushControl(testhelpers.DataAvailablePacket())
	if _, err := first.Wait(time.Second); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if _, err := tr.IssueControlRead(make([]byte, protocol.ControlReadSize)); err != nil {
		t.Errorf("Expected re-arm after completion, got %v", err)
	}
}

func TestTransport_CloseReleasesPendingRead(t *testing.T) {
	tr, _ := newTransport(t)

	op, err := tr.IssueBulkRead(make([]byte, protocol.BulkReadSize))
	if err != nil {
		t.Fatalf("IssueBulkRead failed: %v", err)
	}

	start := time.Now()
	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Close took %v", elapsed)
	}

	select {
	case <-op.Done():
	default:
		t.Fatal("Expected pending read to be complete after Close")
	}
	if _, err := op.Result(); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if _, err := tr.IssueControlRead(make([]byte, 64)); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Expected ErrClosed after close, got %v", err)
	}
}

func TestTransport_ReadErrorWrapped(t *testing.T) {
	tr, ch := newTransport(t)
	ch.FailRead(errors.New("babble"))

	op, err := tr.IssueControlRead(make([]byte, protocol.ControlReadSize))
	if err != nil {
		t.Fatalf("IssueControlRead failed: %v", err)
	}
	if _, err := op.Wait(time.Second); !errors.Is(err, transport.ErrIO) {
		t.Errorf("Expected ErrIO, got %v", err)
	}
}

func TestTransport_Write(t *testing.T) {
	tr, ch := newTransport(t)

	pkt := protocol.BuildStartSession()
	n, err := tr.Write(pkt)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != len(pkt) {
		t.Errorf("Expected %d bytes written, got %d", len(pkt), n)
	}
	if w := ch.Writes(); len(w) != 1 || !bytes.Equal(w[0], pkt) {
		t.Errorf("Expected start session written, got %v", w)
	}

	ch.SetWriteError(errors.New("stall"))
	if _, err := tr.Write(pkt); !errors.Is(err, transport.ErrIO) {
		t.Errorf("Expected ErrIO, got %v", err)
	}
}

func TestTransport_WriteWhenClosed(t *testing.T) {
	tr := transport.New(testhelpers.NewMockChannel().Opener(), nil)
	if _, err := tr.Write([]byte{0}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Expected closing an unopened transport to succeed, got %v", err)
	}
}

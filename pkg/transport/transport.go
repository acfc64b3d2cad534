// Package transport owns the device handle and turns its blocking reads into
// posted operations the dispatch loop can wait on with a timeout.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dbehnke/collar-nexus/pkg/logger"
)

var (
	// ErrConnect is returned when the device cannot be opened.
	ErrConnect = errors.New("connect error")
	// ErrIO wraps read and write failures on an open device.
	ErrIO = errors.New("io error")
	// ErrBusy is returned when a read is posted on a pipe that already has
	// one outstanding.
	ErrBusy = errors.New("read already pending")
	// ErrPending is returned by Wait when the operation has not completed
	// within the timeout. The operation is still live.
	ErrPending = errors.New("operation pending")
	// ErrClosed is returned for operations on a closed or unopened transport.
	ErrClosed = errors.New("transport closed")
)

// Channel is an opened device exposing the two logical pipes. Reads block
// until one packet is available and must return (wrapping) ErrClosed
// promptly once Close has been called.
type Channel interface {
	ReadControl(buf []byte) (int, error)
	ReadBulk(buf []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Opener opens the device. Locating the device is the opener's concern.
type Opener func() (Channel, error)

// Pipe identifies which logical pipe a read was posted on.
type Pipe int

const (
	PipeControl Pipe = iota
	PipeBulk
)

func (p Pipe) String() string {
	if p == PipeBulk {
		return "bulk"
	}
	return "control"
}

// PendingOp is a posted read.
type PendingOp struct {
	pipe Pipe
	buf  []byte
	done chan struct{}

	n   int
	err error
}

// Done is closed when the read completes.
func (op *PendingOp) Done() <-chan struct{} {
	return op.done
}

// Pipe returns the pipe the read was posted on.
func (op *PendingOp) Pipe() Pipe {
	return op.pipe
}

// Wait blocks for up to timeout. It returns ErrPending if the read is still
// outstanding, otherwise the read's byte count and error.
func (op *PendingOp) Wait(timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-op.done:
		return op.n, op.err
	case <-timer.C:
		return 0, ErrPending
	}
}

// Result returns the outcome of a completed read. It must only be called
// after Done is closed.
func (op *PendingOp) Result() (int, error) {
	<-op.done
	return op.n, op.err
}

// Bytes returns the bytes read. It must only be called after Done is closed.
func (op *PendingOp) Bytes() []byte {
	<-op.done
	return op.buf[:op.n]
}

// Transport owns one Channel for its lifetime between Open and Close.
type Transport struct {
	opener       Opener
	log          *logger.Logger
	closeTimeout time.Duration

	mu      sync.Mutex
	ch      Channel
	pending [2]*PendingOp
	ops     sync.WaitGroup
}

// New creates a transport that opens devices with opener.
func New(opener Opener, log *logger.Logger) *Transport {
	return &Transport{
		opener:       opener,
		log:          logger.OrDefault(log).WithComponent("transport"),
		closeTimeout: 2 * time.Second,
	}
}

// Open opens the device. An already open device is closed first.
func (t *Transport) Open() error {
	if t.IsOpen() {
		if err := t.Close(); err != nil {
			t.log.Warn("Close before reopen failed", logger.Error(err))
		}
	}

	ch, err := t.opener()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	t.mu.Lock()
	t.ch = ch
	t.pending = [2]*PendingOp{}
	t.mu.Unlock()
	return nil
}

// IsOpen reports whether a device is open.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch != nil
}

// IssueControlRead posts a read on the control pipe.
func (t *Transport) IssueControlRead(buf []byte) (*PendingOp, error) {
	return t.issue(PipeControl, buf)
}

// IssueBulkRead posts a read on the bulk pipe.
func (t *Transport) IssueBulkRead(buf []byte) (*PendingOp, error) {
	return t.issue(PipeBulk, buf)
}

func (t *Transport) issue(pipe Pipe, buf []byte) (*PendingOp, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ch == nil {
		return nil, ErrClosed
	}
	if prev := t.pending[pipe]; prev != nil {
		select {
		case <-prev.done:
		default:
			return nil, fmt.Errorf("%w: %s pipe", ErrBusy, pipe)
		}
	}

	op := &PendingOp{pipe: pipe, buf: buf, done: make(chan struct{})}
	t.pending[pipe] = op
	ch := t.ch

	t.ops.Add(1)
	go func() {
		defer t.ops.Done()
		defer close(op.done)

		var n int
		var err error
		if pipe == PipeBulk {
			n, err = ch.ReadBulk(buf)
		} else {
			n, err = ch.ReadControl(buf)
		}
		op.n = n
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, ErrIO) {
				op.err = err
			} else {
				op.err = fmt.Errorf("%w: %s read: %v", ErrIO, pipe, err)
			}
		}
	}()
	return op, nil
}

// Write sends p to the device.
func (t *Transport) Write(p []byte) (int, error) {
	t.mu.Lock()
	ch := t.ch
	t.mu.Unlock()

	if ch == nil {
		return 0, ErrClosed
	}
	n, err := ch.Write(p)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return n, err
		}
		return n, fmt.Errorf("%w: write: %v", ErrIO, err)
	}
	return n, nil
}

// Close closes the device and waits, bounded, for outstanding reads to
// return. Closing an unopened transport is a no-op.
func (t *Transport) Close() error {
	t.mu.Lock()
	ch := t.ch
	t.ch = nil
	t.mu.Unlock()

	if ch == nil {
		return nil
	}
	err := ch.Close()

	done := make(chan struct{})
	go func() {
		t.ops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(t.closeTimeout):
		t.log.Warn("Reads still outstanding after close", logger.Duration("waited", t.closeTimeout))
	}
	return err
}

// Package dispatch runs the single worker that drains the transport, frames
// packets and hands decoded records to a Handler.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dbehnke/collar-nexus/pkg/logger"
	"github.com/dbehnke/collar-nexus/pkg/protocol"
	"github.com/dbehnke/collar-nexus/pkg/transport"
)

// Handler receives decoded records. All methods are called from the loop's
// goroutine, one at a time, in packet arrival order.
type Handler interface {
	HandlePosition(fix protocol.PositionFix)
	HandleCollar(c protocol.CollarTelemetry)
	HandleEntities(entities []protocol.TrackedEntity)
	// HandleSessionStarted may return an error to end Run; it is reported
	// wrapped in transport.ErrIO.
	HandleSessionStarted(payload []byte) error
	HandleStatus(msg string)
}

// Reader posts reads. *transport.Transport satisfies it.
type Reader interface {
	IssueControlRead(buf []byte) (*transport.PendingOp, error)
	IssueBulkRead(buf []byte) (*transport.PendingOp, error)
}

// Metrics receives loop counters. A nil Metrics is allowed.
type Metrics interface {
	PacketReceived(pipe string, packetType byte, appID uint16, size int)
	FrameError()
	DecodeError(appID uint16)
	UnknownPacket(packetType byte, appID uint16)
	IOError()
}

// Config holds the loop's timing.
type Config struct {
	// WaitSlice is how long one wait on a posted read lasts before the
	// loop checks for cancellation again.
	WaitSlice time.Duration
	// BulkWait bounds the wait for a bulk read after DataAvailable.
	BulkWait time.Duration
	// RetryBackoff is the pause after a failed post.
	RetryBackoff time.Duration
	// MaxIOErrors is the number of consecutive failed reads after which
	// Run gives up with transport.ErrIO.
	MaxIOErrors int
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		WaitSlice:    100 * time.Millisecond,
		BulkWait:     2 * time.Second,
		RetryBackoff: 100 * time.Millisecond,
		MaxIOErrors:  5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WaitSlice <= 0 {
		c.WaitSlice = d.WaitSlice
	}
	if c.BulkWait <= 0 {
		c.BulkWait = d.BulkWait
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.MaxIOErrors <= 0 {
		c.MaxIOErrors = d.MaxIOErrors
	}
	return c
}

// Loop is the dispatch worker. A Loop must not be run concurrently with
// itself.
type Loop struct {
	r       Reader
	h       Handler
	cfg     Config
	log     *logger.Logger
	metrics Metrics

	controlBuf []byte
	bulkBuf    []byte

	// controlOp is a control read abandoned by a cancelled Run; the next
	// Run resumes it instead of posting a second read.
	controlOp *transport.PendingOp
	// bulkOp is a bulk read that outlived BulkWait or a cancelled Run; it
	// is resumed on the next DataAvailable.
	bulkOp *transport.PendingOp

	ioErrors int
}

// New creates a loop reading from r and dispatching to h.
func New(r Reader, h Handler, cfg Config, log *logger.Logger) *Loop {
	return &Loop{
		r:          r,
		h:          h,
		cfg:        cfg.withDefaults(),
		log:        logger.OrDefault(log).WithComponent("dispatch"),
		// Stream channels deliver whole application packets on the
		// control pipe, so the control buffer must hold one too.
		controlBuf: make([]byte, protocol.BulkReadSize),
		bulkBuf:    make([]byte, protocol.BulkReadSize),
	}
}

// SetMetrics attaches a metrics sink. Call before Run.
func (l *Loop) SetMetrics(m Metrics) {
	l.metrics = m
}

// Run keeps one control read posted and processes completions until ctx is
// cancelled (returns nil) or the transport fails (returns an error wrapping
// transport.ErrClosed or transport.ErrIO). Run may be called again after a
// cancellation; reads left outstanding are picked up where they were.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Debug("Dispatch loop started")
	defer l.log.Debug("Dispatch loop stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		op := l.controlOp
		if op == nil {
			var err error
			op, err = l.r.IssueControlRead(l.controlBuf)
			if err != nil {
				if errors.Is(err, transport.ErrClosed) {
					return err
				}
				l.log.Warn("Control read post failed, retrying", logger.Error(err),
					logger.Duration("backoff", l.cfg.RetryBackoff))
				if !sleep(ctx, l.cfg.RetryBackoff) {
					return nil
				}
				continue
			}
		}

		l.controlOp = op
		_, err := l.await(ctx, op, 0)
		if ctx.Err() != nil {
			return nil
		}
		l.controlOp = nil
		if err != nil {
			if ferr := l.readFailed(transport.PipeControl, err); ferr != nil {
				return ferr
			}
			continue
		}
		l.ioErrors = 0

		if err := l.handlePacket(ctx, transport.PipeControl, op.Bytes()); err != nil {
			return err
		}
	}
}

// await waits on op in WaitSlice steps. A zero limit waits until completion
// or cancellation; otherwise transport.ErrPending is returned after limit.
func (l *Loop) await(ctx context.Context, op *transport.PendingOp, limit time.Duration) (int, error) {
	var deadline time.Time
	if limit > 0 {
		deadline = time.Now().Add(limit)
	}
	for {
		n, err := op.Wait(l.cfg.WaitSlice)
		if !errors.Is(err, transport.ErrPending) {
			return n, err
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, transport.ErrPending
		}
	}
}

// readFailed accounts for a completed read that returned an error. It
// returns non-nil when the loop must stop.
func (l *Loop) readFailed(pipe transport.Pipe, err error) error {
	if errors.Is(err, transport.ErrClosed) {
		return err
	}
	l.ioErrors++
	if l.metrics != nil {
		l.metrics.IOError()
	}
	l.log.Warn("Read failed", logger.String("pipe", pipe.String()), logger.Error(err),
		logger.Int("consecutive", l.ioErrors))
	if l.ioErrors >= l.cfg.MaxIOErrors {
		l.status(fmt.Sprintf("Device I/O failing (%d consecutive errors): %v", l.ioErrors, err))
		if errors.Is(err, transport.ErrIO) {
			return err
		}
		return fmt.Errorf("%w: %v", transport.ErrIO, err)
	}
	return nil
}

func (l *Loop) handlePacket(ctx context.Context, pipe transport.Pipe, data []byte) error {
	pkt, err := protocol.SplitPacket(data)
	if err != nil {
		if l.metrics != nil {
			l.metrics.FrameError()
		}
		l.log.Warn("Dropping unframeable packet", logger.String("pipe", pipe.String()), logger.Error(err))
		return nil
	}
	if l.metrics != nil {
		l.metrics.PacketReceived(pipe.String(), pkt.Header.PacketType, pkt.Header.AppID, len(data))
	}
	if pkt.Truncated {
		l.log.Warn("Truncated packet",
			logger.Hex("app_id", uint64(pkt.Header.AppID)),
			logger.Uint32("declared", pkt.Header.PayloadSize),
			logger.Int("available", len(pkt.Payload)))
	}

	switch pkt.Header.PacketType {
	case protocol.PacketTypeControl:
		return l.handleControl(ctx, pipe, pkt)
	case protocol.PacketTypeApplication:
		l.handleApplication(pkt)
	default:
		l.unknown(pkt.Header)
	}
	return nil
}

func (l *Loop) handleControl(ctx context.Context, pipe transport.Pipe, pkt protocol.Packet) error {
	switch pkt.Header.AppID {
	case protocol.PIDDataAvailable:
		if pipe != transport.PipeControl {
			l.log.Debug("Data available on bulk pipe ignored")
			return nil
		}
		return l.readBulk(ctx)
	case protocol.PIDSessionStarted:
		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		if err := l.h.HandleSessionStarted(payload); err != nil {
			if errors.Is(err, transport.ErrIO) {
				return err
			}
			return fmt.Errorf("%w: session start: %v", transport.ErrIO, err)
		}
	default:
		l.log.Debug("Control packet", logger.Int("protocol_id", int(pkt.Header.AppID)))
	}
	return nil
}

// readBulk posts (or resumes) one bulk read and processes the packet it
// yields.
func (l *Loop) readBulk(ctx context.Context) error {
	op := l.bulkOp
	if op == nil {
		var err error
		op, err = l.r.IssueBulkRead(l.bulkBuf)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return err
			}
			l.log.Warn("Bulk read post failed", logger.Error(err))
			sleep(ctx, l.cfg.RetryBackoff)
			return nil
		}
	}

	_, err := l.await(ctx, op, l.cfg.BulkWait)
	if ctx.Err() != nil {
		l.bulkOp = op
		return nil
	}
	if errors.Is(err, transport.ErrPending) {
		l.bulkOp = op
		l.log.Warn("Bulk read timed out", logger.Duration("waited", l.cfg.BulkWait))
		return nil
	}
	l.bulkOp = nil
	if err != nil {
		return l.readFailed(transport.PipeBulk, err)
	}
	l.ioErrors = 0

	data := op.Bytes()
	if len(data) == 0 {
		l.log.Debug("Empty bulk read")
		return nil
	}
	return l.handlePacket(ctx, transport.PipeBulk, data)
}

func (l *Loop) handleApplication(pkt protocol.Packet) {
	id := pkt.Header.AppID
	switch id {
	case protocol.PIDPositionFix, protocol.PIDTrackedEntities, protocol.PIDCollar:
		// Fixed-size records are only decoded when every declared byte
		// arrived.
		if pkt.Truncated {
			l.truncated(pkt)
			return
		}
	}

	switch id {
	case protocol.PIDPositionFix:
		fix, err := protocol.DecodePositionFix(pkt.Payload, 0)
		if err != nil {
			l.decodeFailed(id, err)
			return
		}
		l.h.HandlePosition(fix)
	case protocol.PIDTrackedEntities:
		entities, err := protocol.DecodeTrackedEntities(pkt.Payload, 0)
		if err != nil {
			l.decodeFailed(id, err)
			return
		}
		l.h.HandleEntities(entities)
	case protocol.PIDCollar:
		c, err := protocol.DecodeCollar(pkt.Payload, 0)
		if err != nil {
			l.decodeFailed(id, err)
			return
		}
		l.h.HandleCollar(c)
	default:
		l.unknown(pkt.Header)
	}
}

func (l *Loop) truncated(pkt protocol.Packet) {
	if l.metrics != nil {
		l.metrics.FrameError()
	}
	l.status(fmt.Sprintf("Dropped packet 0x%04X: payload truncated, declared %d, have %d",
		pkt.Header.AppID, pkt.Header.PayloadSize, len(pkt.Payload)))
}

func (l *Loop) decodeFailed(appID uint16, err error) {
	if l.metrics != nil {
		l.metrics.DecodeError(appID)
	}
	l.log.Warn("Dropping undecodable record", logger.Hex("app_id", uint64(appID)), logger.Error(err))
	l.status(fmt.Sprintf("Dropped packet 0x%04X: %v", appID, err))
}

func (l *Loop) unknown(h protocol.Header) {
	if l.metrics != nil {
		l.metrics.UnknownPacket(h.PacketType, h.AppID)
	}
	l.log.Info("Unknown packet", logger.Hex("type", uint64(h.PacketType)),
		logger.Hex("app_id", uint64(h.AppID)), logger.Uint32("size", h.PayloadSize))
	l.status(fmt.Sprintf("Unknown packet type 0x%02X app ID 0x%04X", h.PacketType, h.AppID))
}

func (l *Loop) status(msg string) {
	l.h.HandleStatus(msg)
}

// sleep waits d or until ctx is done. It reports whether the full duration
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Package device ties the transport, session handshake and dispatch loop
// into a connect/listen/stop lifecycle and fans decoded records out to
// subscribers.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dbehnke/collar-nexus/pkg/dispatch"
	"github.com/dbehnke/collar-nexus/pkg/logger"
	"github.com/dbehnke/collar-nexus/pkg/protocol"
	"github.com/dbehnke/collar-nexus/pkg/session"
	"github.com/dbehnke/collar-nexus/pkg/transport"
)

// Metrics receives service counters. A nil Metrics is allowed.
type Metrics interface {
	dispatch.Metrics
	RecordDecoded(kind string)
	EventDropped()
	Reconnect()
	SetConnected(connected bool)
	SetSessionState(state int)
}

// Config holds service behaviour.
type Config struct {
	// ConnectRetryInterval is the pause between open attempts and between
	// reconnects.
	ConnectRetryInterval time.Duration
	// MaxConnectAttempts bounds Connect; zero retries until cancelled.
	MaxConnectAttempts int
	// StopTimeout bounds the wait for the dispatch worker to exit.
	StopTimeout time.Duration
	// EventQueueSize is the subscriber forwarding queue depth.
	EventQueueSize int
	// AutoReconnect makes Run reconnect after a transport failure.
	AutoReconnect bool

	Session  session.Config
	Dispatch dispatch.Config
}

// DefaultConfig returns the standard service configuration.
func DefaultConfig() Config {
	return Config{
		ConnectRetryInterval: 500 * time.Millisecond,
		StopTimeout:          time.Second,
		EventQueueSize:       256,
		AutoReconnect:        true,
		Session:              session.DefaultConfig(),
		Dispatch:             dispatch.DefaultConfig(),
	}
}

// Status is a point-in-time view of the service.
type Status struct {
	Connected    bool      `json:"connected"`
	Listening    bool      `json:"listening"`
	SessionState string    `json:"session_state"`
	UnitID       uint32    `json:"unit_id"`
	SessionID    string    `json:"session_id,omitempty"`
	ConnectedAt  time.Time `json:"connected_at,omitempty"`
	Positions    uint64    `json:"positions"`
	Collars      uint64    `json:"collars"`
	Entities     uint64    `json:"entities"`
	Dropped      uint64    `json:"dropped_events"`
	Reconnects   uint64    `json:"reconnects"`
}

// Service owns one device for its lifetime.
type Service struct {
	cfg     Config
	log     *logger.Logger
	tr      *transport.Transport
	sess    *session.Session
	metrics Metrics

	subsMu sync.RWMutex
	subs   []*subscription

	queueMu     sync.RWMutex
	queue       chan func(Subscriber)
	queueClosed bool
	forwardDone chan struct{}

	mu          sync.Mutex
	loop        *dispatch.Loop
	connected   bool
	sessionID   string
	connectedAt time.Time
	listening   bool
	stopWorker  context.CancelFunc
	workerDone  chan struct{}
	workerErr   error

	positions  atomic.Uint64
	collars    atomic.Uint64
	entities   atomic.Uint64
	dropped    atomic.Uint64
	reconnects atomic.Uint64

	closeOnce sync.Once
}

type subscription struct {
	sub Subscriber
}

// New creates a service that opens the device with opener.
func New(opener transport.Opener, cfg Config, log *logger.Logger) *Service {
	log = logger.OrDefault(log)
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = DefaultConfig().EventQueueSize
	}
	if cfg.ConnectRetryInterval <= 0 {
		cfg.ConnectRetryInterval = DefaultConfig().ConnectRetryInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultConfig().StopTimeout
	}

	s := &Service{
		cfg:         cfg,
		log:         log.WithComponent("device"),
		tr:          transport.New(opener, log),
		queue:       make(chan func(Subscriber), cfg.EventQueueSize),
		forwardDone: make(chan struct{}),
	}
	s.sess = session.New(s.tr, cfg.Session, log)
	s.sess.OnStateChange(s.sessionChanged)

	go s.forward()
	return s
}

// SetMetrics attaches a metrics sink. Call before Connect.
func (s *Service) SetMetrics(m Metrics) {
	s.metrics = m
}

// Subscribe registers sub and returns a function that removes it.
func (s *Service) Subscribe(sub Subscriber) func() {
	entry := &subscription{sub: sub}
	s.subsMu.Lock()
	s.subs = append(s.subs, entry)
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		for i, e := range s.subs {
			if e == entry {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Session returns the handshake state machine, e.g. to issue application
// commands.
func (s *Service) Session() *session.Session {
	return s.sess
}

// Connect opens the device and sends StartSession, retrying until it
// succeeds, ctx is cancelled or MaxConnectAttempts is reached. Failures are
// returned wrapping transport.ErrConnect.
func (s *Service) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v (last error: %v)", transport.ErrConnect, err, lastErr)
		}

		s.status(fmt.Sprintf("Opening device (attempt %d)", attempt))
		lastErr = s.connectOnce()
		if lastErr == nil {
			return nil
		}
		s.status(fmt.Sprintf("Connect failed: %v", lastErr))

		if s.cfg.MaxConnectAttempts > 0 && attempt >= s.cfg.MaxConnectAttempts {
			return fmt.Errorf("%w: gave up after %d attempts: %v", transport.ErrConnect, attempt, lastErr)
		}
		if !sleep(ctx, s.cfg.ConnectRetryInterval) {
			return fmt.Errorf("%w: %v (last error: %v)", transport.ErrConnect, ctx.Err(), lastErr)
		}
	}
}

func (s *Service) connectOnce() error {
	if err := s.tr.Open(); err != nil {
		return err
	}
	if err := s.sess.Start(); err != nil {
		_ = s.tr.Close()
		return err
	}

	loop := dispatch.New(s.tr, loopHandler{s}, s.cfg.Dispatch, s.log)
	if s.metrics != nil {
		loop.SetMetrics(s.metrics)
	}

	id := uuid.NewString()
	now := time.Now()
	s.mu.Lock()
	s.loop = loop
	s.connected = true
	s.sessionID = id
	s.connectedAt = now
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetConnected(true)
	}
	s.log.Info("Device connected", logger.String("session_id", id))
	s.publish(func(sub Subscriber) {
		sub.OnConnection(ConnectionEvent{Connected: true, SessionID: id, Time: now})
	})
	s.status("Device opened, waiting for session start")
	return nil
}

// IsConnected reports whether the device is open.
func (s *Service) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SessionID returns the identifier of the current connection.
func (s *Service) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// StartListening starts the dispatch worker. It is a no-op when already
// listening, fails with transport.ErrClosed when not connected and with
// transport.ErrBusy while a worker abandoned by a timed-out stop is still
// running.
func (s *Service) StartListening() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listening {
		return nil
	}
	if !s.connected {
		return fmt.Errorf("start listening: %w", transport.ErrClosed)
	}
	if s.workerRunning() {
		return fmt.Errorf("start listening: %w: previous dispatch worker has not exited", transport.ErrBusy)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	loop := s.loop

	s.listening = true
	s.stopWorker = cancel
	s.workerDone = done
	s.workerErr = nil

	go func() {
		defer close(done)
		err := loop.Run(ctx)
		if err != nil {
			s.workerFailed(err)
		}
	}()

	s.status("Listening for device data")
	return nil
}

// workerRunning reports whether the last worker has yet to exit. Callers
// hold s.mu.
func (s *Service) workerRunning() bool {
	if s.workerDone == nil {
		return false
	}
	select {
	case <-s.workerDone:
		return false
	default:
		return true
	}
}

func (s *Service) workerFailed(err error) {
	s.mu.Lock()
	s.workerErr = err
	s.mu.Unlock()

	s.sess.Fail(err)
	s.log.Error("Dispatch loop stopped", logger.Error(err))
	s.status(fmt.Sprintf("Device connection lost: %v", err))
}

// StopListening cancels the dispatch worker and waits up to StopTimeout for
// it to exit. It is a no-op when not listening. A worker that outlives the
// timeout blocks StartListening until it exits.
func (s *Service) StopListening() {
	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		return
	}
	cancel, done := s.stopWorker, s.workerDone
	s.listening = false
	s.stopWorker = nil
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(s.cfg.StopTimeout):
		s.log.Warn("Dispatch worker did not stop in time", logger.Duration("timeout", s.cfg.StopTimeout))
	}
	s.status("Stopped listening")
}

// Disconnect stops listening and releases the device.
func (s *Service) Disconnect() {
	s.disconnect(nil)
}

func (s *Service) disconnect(cause error) {
	s.StopListening()
	s.sess.Reset()

	// The worker has exited unless StopListening timed out; closing the
	// device then unblocks it and it gets one more StopTimeout to finish.
	s.mu.Lock()
	done := s.workerDone
	s.mu.Unlock()
	if err := s.tr.Close(); err != nil {
		s.log.Warn("Closing device failed", logger.Error(err))
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(s.cfg.StopTimeout):
			s.log.Error("Dispatch worker still running after device close")
		}
	}

	s.mu.Lock()
	was := s.connected
	s.loop = nil
	s.connected = false
	s.sessionID = ""
	s.connectedAt = time.Time{}
	s.mu.Unlock()

	if !was {
		return
	}
	if s.metrics != nil {
		s.metrics.SetConnected(false)
	}
	s.log.Info("Device disconnected")
	now := time.Now()
	s.publish(func(sub Subscriber) {
		sub.OnConnection(ConnectionEvent{Connected: false, Time: now, Err: cause})
	})
}

// Run connects, listens and, with AutoReconnect, reconnects after transport
// failures until ctx is cancelled. It returns nil on cancellation.
func (s *Service) Run(ctx context.Context) error {
	for {
		if err := s.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := s.StartListening(); err != nil {
			s.disconnect(err)
			return err
		}

		s.mu.Lock()
		done := s.workerDone
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			s.Disconnect()
			return nil
		case <-done:
		}

		s.mu.Lock()
		cause := s.workerErr
		s.mu.Unlock()
		s.disconnect(cause)

		if !s.cfg.AutoReconnect {
			return cause
		}
		s.reconnects.Add(1)
		if s.metrics != nil {
			s.metrics.Reconnect()
		}
		s.status("Reconnecting")
		if !sleep(ctx, s.cfg.ConnectRetryInterval) {
			return nil
		}
	}
}

// Close releases the device and stops event delivery. Events already queued
// are delivered first.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.Disconnect()

		s.queueMu.Lock()
		s.queueClosed = true
		close(s.queue)
		s.queueMu.Unlock()

		<-s.forwardDone
	})
}

// Status returns a snapshot of the service state.
func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{
		Connected:   s.connected,
		Listening:   s.listening,
		SessionID:   s.sessionID,
		ConnectedAt: s.connectedAt,
	}
	s.mu.Unlock()

	st.SessionState = s.sess.State().String()
	st.UnitID = s.sess.UnitID()
	st.Positions = s.positions.Load()
	st.Collars = s.collars.Load()
	st.Entities = s.entities.Load()
	st.Dropped = s.dropped.Load()
	st.Reconnects = s.reconnects.Load()
	return st
}

func (s *Service) sessionChanged(from, to session.State) {
	if s.metrics != nil {
		s.metrics.SetSessionState(int(to))
	}
	ev := SessionEvent{From: from, To: to, UnitID: s.sess.UnitID(), Time: time.Now()}
	s.publish(func(sub Subscriber) { sub.OnSession(ev) })
	switch to {
	case session.StateActive:
		s.status(fmt.Sprintf("Session started (unit %d)", ev.UnitID))
	case session.StateDisconnected:
		s.sessionLost(from)
	}
}

// sessionLost ends a running worker when the session fails underneath it,
// e.g. on a command write error, so Run can reconnect.
func (s *Service) sessionLost(from session.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.listening || s.stopWorker == nil || !s.workerRunning() {
		return
	}
	if s.workerErr == nil {
		s.workerErr = fmt.Errorf("%w: session lost while %s", transport.ErrIO, from)
	}
	s.stopWorker()
}

func (s *Service) status(msg string) {
	s.log.Info(msg)
	s.publish(func(sub Subscriber) { sub.OnStatus(msg) })
}

// publish queues fn for delivery to every subscriber. When the queue is
// full the event is dropped rather than stalling the caller.
func (s *Service) publish(fn func(Subscriber)) {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	if s.queueClosed {
		return
	}
	select {
	case s.queue <- fn:
	default:
		s.dropped.Add(1)
		if s.metrics != nil {
			s.metrics.EventDropped()
		}
		s.log.Warn("Subscriber queue full, event dropped", logger.Int("capacity", cap(s.queue)))
	}
}

func (s *Service) forward() {
	defer close(s.forwardDone)
	for fn := range s.queue {
		s.subsMu.RLock()
		subs := make([]*subscription, len(s.subs))
		copy(subs, s.subs)
		s.subsMu.RUnlock()

		for _, e := range subs {
			fn(e.sub)
		}
	}
}

// loopHandler feeds dispatch callbacks into the service.
type loopHandler struct {
	s *Service
}

func (h loopHandler) HandlePosition(fix protocol.PositionFix) {
	h.s.positions.Add(1)
	if h.s.metrics != nil {
		h.s.metrics.RecordDecoded("position")
	}
	h.s.publish(func(sub Subscriber) { sub.OnPosition(fix) })
}

func (h loopHandler) HandleCollar(c protocol.CollarTelemetry) {
	h.s.collars.Add(1)
	if h.s.metrics != nil {
		h.s.metrics.RecordDecoded("collar")
	}
	h.s.publish(func(sub Subscriber) { sub.OnCollar(c) })
}

func (h loopHandler) HandleEntities(entities []protocol.TrackedEntity) {
	h.s.entities.Add(uint64(len(entities)))
	if h.s.metrics != nil {
		h.s.metrics.RecordDecoded("entities")
	}
	h.s.publish(func(sub Subscriber) { sub.OnEntities(entities) })
}

// HandleSessionStarted returns write failures so the loop stops and the
// connection is rebuilt.
func (h loopHandler) HandleSessionStarted(payload []byte) error {
	err := h.s.sess.HandleSessionStarted(payload)
	if err == nil {
		return nil
	}
	if errors.Is(err, session.ErrNotReady) {
		h.s.log.Warn("Start command rejected", logger.Error(err))
		return nil
	}
	h.s.status(fmt.Sprintf("Start command failed: %v", err))
	return err
}

func (h loopHandler) HandleStatus(msg string) {
	h.s.status(msg)
}

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

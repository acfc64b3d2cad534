package device

import (
	"time"

	"github.com/dbehnke/collar-nexus/pkg/protocol"
	"github.com/dbehnke/collar-nexus/pkg/session"
)

// SessionEvent reports a handshake state transition.
type SessionEvent struct {
	From   session.State
	To     session.State
	UnitID uint32
	Time   time.Time
}

// ConnectionEvent reports the device being opened or released.
type ConnectionEvent struct {
	Connected bool
	SessionID string // per-connection identifier, empty when disconnected
	Time      time.Time
	Err       error // cause of an unplanned disconnect
}

// Subscriber receives decoded records and service events. Calls are made
// from one forwarding goroutine, never concurrently, in the order the events
// were produced. A slow subscriber delays the others; it never blocks the
// dispatch worker.
type Subscriber interface {
	OnPosition(fix protocol.PositionFix)
	OnCollar(c protocol.CollarTelemetry)
	OnEntities(entities []protocol.TrackedEntity)
	OnSession(ev SessionEvent)
	OnConnection(ev ConnectionEvent)
	OnStatus(msg string)
}

// SubscriberFuncs adapts optional functions to Subscriber. Nil fields are
// skipped.
type SubscriberFuncs struct {
	Position   func(protocol.PositionFix)
	Collar     func(protocol.CollarTelemetry)
	Entities   func([]protocol.TrackedEntity)
	Session    func(SessionEvent)
	Connection func(ConnectionEvent)
	Status     func(string)
}

func (f SubscriberFuncs) OnPosition(fix protocol.PositionFix) {
	if f.Position != nil {
		f.Position(fix)
	}
}

func (f SubscriberFuncs) OnCollar(c protocol.CollarTelemetry) {
	if f.Collar != nil {
		f.Collar(c)
	}
}

func (f SubscriberFuncs) OnEntities(e []protocol.TrackedEntity) {
	if f.Entities != nil {
		f.Entities(e)
	}
}

func (f SubscriberFuncs) OnSession(ev SessionEvent) {
	if f.Session != nil {
		f.Session(ev)
	}
}

func (f SubscriberFuncs) OnConnection(ev ConnectionEvent) {
	if f.Connection != nil {
		f.Connection(ev)
	}
}

func (f SubscriberFuncs) OnStatus(msg string) {
	if f.Status != nil {
		f.Status(msg)
	}
}

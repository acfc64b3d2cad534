package web

import (
	"strconv"
	"time"

	"github.com/dbehnke/collar-nexus/pkg/device"
	"github.com/dbehnke/collar-nexus/pkg/geo"
	"github.com/dbehnke/collar-nexus/pkg/protocol"
)

// Event types pushed to websocket clients.
const (
	EventPosition   = "position"
	EventCollar     = "collar"
	EventEntities   = "entities"
	EventSession    = "session"
	EventConnection = "connection"
	EventStatus     = "status"
)

func knownEventType(t string) bool {
	switch t {
	case EventPosition, EventCollar, EventEntities, EventSession, EventConnection, EventStatus:
		return true
	}
	return false
}

// PositionData is the payload of a position event.
type PositionData struct {
	Latitude  float64    `json:"latitude"`
	Longitude float64    `json:"longitude"`
	Altitude  float32    `json:"altitude"`
	Fix       string     `json:"fix"`
	UTM       string     `json:"utm"`
	UTC       *time.Time `json:"utc,omitempty"`
}

// CollarData is the payload of a collar event.
type CollarData struct {
	ID           int16     `json:"id"`
	Name         string    `json:"name"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Altitude     float32   `json:"altitude"`
	UTM          string    `json:"utm"`
	Battery      uint8     `json:"battery"`
	CommStrength uint8     `json:"comm_strength"`
	GPSStrength  uint8     `json:"gps_strength"`
	Moving       bool      `json:"moving"`
	DeviceTime   time.Time `json:"device_time"`
}

// EntityData is one record of an entities event.
type EntityData struct {
	Status    uint32  `json:"status"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// EntitiesData is the payload of an entities event.
type EntitiesData struct {
	Entities []EntityData `json:"entities"`
}

// SessionData is the payload of a session event.
type SessionData struct {
	From   string `json:"from"`
	To     string `json:"to"`
	UnitID uint32 `json:"unit_id"`
}

// ConnectionData is the payload of a connection event.
type ConnectionData struct {
	Connected bool   `json:"connected"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StatusData is the payload of a status event.
type StatusData struct {
	Message string `json:"message"`
}

// NewCollarData shapes a collar report for clients.
func NewCollarData(c protocol.CollarTelemetry) CollarData {
	lat, lon := c.LatitudeDegrees(), c.LongitudeDegrees()
	return CollarData{
		ID:           c.ID,
		Name:         c.Name,
		Latitude:     lat,
		Longitude:    lon,
		Altitude:     c.Altitude,
		UTM:          geo.UtmString(lon, lat),
		Battery:      c.Battery,
		CommStrength: c.CommStrength,
		GPSStrength:  c.GPSStrength,
		Moving:       c.Moving(),
		DeviceTime:   c.Timestamp,
	}
}

// The hub subscribes to the device service directly.
var _ device.Subscriber = (*WebSocketHub)(nil)

// OnPosition broadcasts a handheld fix
func (h *WebSocketHub) OnPosition(fix protocol.PositionFix) {
	lat, lon := fix.LatitudeDegrees(), fix.LongitudeDegrees()
	data := PositionData{
		Latitude:  lat,
		Longitude: lon,
		Altitude:  fix.Altitude,
		Fix:       fix.FixTypeString(),
		UTM:       geo.UtmString(lon, lat),
	}
	if utc, ok := fix.UTC(); ok {
		data.UTC = &utc
	}
	h.enqueue(Event{Type: EventPosition, Data: data}, frame{kind: EventPosition, key: EventPosition})
}

// OnCollar broadcasts a collar report; the latest report per collar is
// replayed to new clients.
func (h *WebSocketHub) OnCollar(c protocol.CollarTelemetry) {
	h.enqueue(Event{Type: EventCollar, Data: NewCollarData(c)}, frame{
		kind:      EventCollar,
		collarID:  c.ID,
		hasCollar: true,
		key:       EventCollar + "/" + strconv.Itoa(int(c.ID)),
	})
}

// OnEntities broadcasts a tracked-entity report
func (h *WebSocketHub) OnEntities(entities []protocol.TrackedEntity) {
	data := EntitiesData{Entities: make([]EntityData, 0, len(entities))}
	for _, e := range entities {
		data.Entities = append(data.Entities, EntityData{
			Status:    e.Status,
			Latitude:  e.LatitudeDegrees(),
			Longitude: e.LongitudeDegrees(),
		})
	}
	h.enqueue(Event{Type: EventEntities, Data: data}, frame{kind: EventEntities, key: EventEntities})
}

// OnSession broadcasts a session state change
func (h *WebSocketHub) OnSession(ev device.SessionEvent) {
	h.enqueue(Event{
		Type:      EventSession,
		Timestamp: ev.Time,
		Data:      SessionData{From: ev.From.String(), To: ev.To.String(), UnitID: ev.UnitID},
	}, frame{kind: EventSession, key: EventSession})
}

// OnConnection broadcasts a device connect or disconnect
func (h *WebSocketHub) OnConnection(ev device.ConnectionEvent) {
	data := ConnectionData{Connected: ev.Connected, SessionID: ev.SessionID}
	if ev.Err != nil {
		data.Error = ev.Err.Error()
	}
	h.enqueue(Event{Type: EventConnection, Timestamp: ev.Time, Data: data},
		frame{kind: EventConnection, key: EventConnection})
}

// OnStatus broadcasts a human-readable status line. Status lines are not
// replayed.
func (h *WebSocketHub) OnStatus(msg string) {
	h.Broadcast(Event{Type: EventStatus, Data: StatusData{Message: msg}})
}

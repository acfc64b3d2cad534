// Package tracklog keeps the live state of every collar heard by the
// handheld and writes a thinned fix history to the database.
package tracklog

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dbehnke/collar-nexus/pkg/database"
	"github.com/dbehnke/collar-nexus/pkg/device"
	"github.com/dbehnke/collar-nexus/pkg/geo"
	"github.com/dbehnke/collar-nexus/pkg/logger"
	"github.com/dbehnke/collar-nexus/pkg/protocol"
)

// CollarStore persists collar fixes. *database.CollarFixRepository satisfies it.
type CollarStore interface {
	Create(fix *database.CollarFix) error
}

// PositionStore persists handheld fixes. *database.PositionRepository satisfies it.
type PositionStore interface {
	Create(rec *database.PositionRecord) error
}

// Metrics receives recorder counters. A nil Metrics is allowed.
type Metrics interface {
	PersistFailed(backend string)
	SetActiveCollars(n int)
}

// Config controls thinning and staleness.
type Config struct {
	MinInterval time.Duration
	StaleAfter  time.Duration
}

// CollarState is the latest known state of one collar.
type CollarState struct {
	ID           int16              `json:"id"`
	Name         string             `json:"name"`
	Latitude     float64            `json:"latitude"`
	Longitude    float64            `json:"longitude"`
	Altitude     float32            `json:"altitude"`
	UTM          string             `json:"utm"`
	Utm          *geo.UtmCoordinate `json:"utm_coordinate,omitempty"`
	Battery      uint8              `json:"battery"`
	CommStrength uint8              `json:"comm_strength"`
	GPSStrength  uint8              `json:"gps_strength"`
	Moving       bool               `json:"moving"`
	DeviceTime   time.Time          `json:"device_time"`
	FirstSeen    time.Time          `json:"first_seen"`
	LastSeen     time.Time          `json:"last_seen"`
	Reports      int                `json:"reports"`
	Stale        bool               `json:"stale"`
}

// PositionState is the handheld's latest PVT fix.
type PositionState struct {
	Latitude   float64            `json:"latitude"`
	Longitude  float64            `json:"longitude"`
	Altitude   float32            `json:"altitude"`
	MSLHeight  float32            `json:"msl_height"`
	FixType    uint16             `json:"fix_type"`
	FixName    string             `json:"fix_name"`
	EPE        float32            `json:"epe"`
	Speed      float64            `json:"speed"` // horizontal, m/s
	Climb      float32            `json:"climb"`
	UTC        time.Time          `json:"utc"`
	TimeKnown  bool               `json:"time_known"`
	UTM        string             `json:"utm"`
	Utm        *geo.UtmCoordinate `json:"utm_coordinate,omitempty"`
	ReceivedAt time.Time          `json:"received_at"`
}

// EntityState is one tracked-entity record from the latest report.
type EntityState struct {
	Status    uint32  `json:"status"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	UTM       string  `json:"utm"`
}

type collarEntry struct {
	state     CollarState
	lastSaved time.Time
}

// Recorder implements device.Subscriber.
type Recorder struct {
	cfg       Config
	collars   CollarStore
	positions PositionStore
	log       *logger.Logger
	metrics   Metrics
	now       func() time.Time

	mu            sync.RWMutex
	entries       map[int16]*collarEntry
	position      *PositionState
	positionSaved time.Time
	entities      []EntityState
	sessionID     string
}

var _ device.Subscriber = (*Recorder)(nil)

// NewRecorder creates a recorder. Either store may be nil to keep state in
// memory only.
func NewRecorder(collars CollarStore, positions PositionStore, cfg Config, log *logger.Logger) *Recorder {
	return &Recorder{
		cfg:       cfg,
		collars:   collars,
		positions: positions,
		log:       logger.OrDefault(log).WithComponent("tracklog"),
		now:       time.Now,
		entries:   make(map[int16]*collarEntry),
	}
}

// SetMetrics attaches a metrics sink.
func (r *Recorder) SetMetrics(m Metrics) {
	r.metrics = m
}

// OnCollar updates the collar's live state and stores a fix when MinInterval
// has passed since the last stored one.
func (r *Recorder) OnCollar(c protocol.CollarTelemetry) {
	now := r.now()
	lat, lon := c.LatitudeDegrees(), c.LongitudeDegrees()
	utm, utmErr := geo.ToUtm(lon, lat)

	r.mu.Lock()
	e, ok := r.entries[c.ID]
	if !ok {
		e = &collarEntry{state: CollarState{ID: c.ID, FirstSeen: now}}
		r.entries[c.ID] = e
		r.log.Info("New collar", logger.Int("collar_id", int(c.ID)), logger.String("name", c.Name))
	}
	st := &e.state
	if c.Name != "" {
		st.Name = c.Name
	}
	st.Latitude, st.Longitude = lat, lon
	st.Altitude = c.Altitude
	st.UTM, st.Utm = "", nil
	if utmErr == nil {
		u := utm
		st.UTM, st.Utm = u.String(), &u
	}
	st.Battery, st.CommStrength, st.GPSStrength = c.Battery, c.CommStrength, c.GPSStrength
	st.Moving = c.Moving()
	st.DeviceTime = c.Timestamp
	st.LastSeen = now
	st.Reports++
	st.Stale = false

	save := r.collars != nil && (e.lastSaved.IsZero() || now.Sub(e.lastSaved) >= r.cfg.MinInterval)
	if save {
		e.lastSaved = now
	}
	fix := &database.CollarFix{
		CollarID:     c.ID,
		Name:         st.Name,
		Latitude:     lat,
		Longitude:    lon,
		Altitude:     c.Altitude,
		Battery:      c.Battery,
		CommStrength: c.CommStrength,
		GPSStrength:  c.GPSStrength,
		Moving:       st.Moving,
		DeviceTime:   c.Timestamp,
		ReceivedAt:   now,
		SessionID:    r.sessionID,
	}
	r.mu.Unlock()

	if !save {
		return
	}
	if utmErr == nil {
		fix.UtmZone, fix.UtmBand = utm.ZoneNumber, string(utm.ZoneLetter)
		fix.Easting, fix.Northing = utm.Easting, utm.Northing
	}
	if err := r.collars.Create(fix); err != nil {
		r.persistFailed("Failed to save collar fix", err)
		return
	}
	r.log.Debug("Saved collar fix", logger.Int("collar_id", int(c.ID)), logger.Uint32("fix_id", uint32(fix.ID)))
}

// OnPosition updates the handheld position and stores fixes that carry a
// usable position, thinned by MinInterval.
func (r *Recorder) OnPosition(fix protocol.PositionFix) {
	now := r.now()
	lat, lon := fix.LatitudeDegrees(), fix.LongitudeDegrees()
	utc, known := fix.UTC()

	ps := &PositionState{
		Latitude:   lat,
		Longitude:  lon,
		Altitude:   fix.Altitude,
		MSLHeight:  fix.MSLHeight,
		FixType:    fix.FixType,
		FixName:    fix.FixTypeString(),
		EPE:        fix.EPE,
		Speed:      math.Hypot(float64(fix.VelEast), float64(fix.VelNorth)),
		Climb:      fix.VelUp,
		UTC:        utc,
		TimeKnown:  known,
		ReceivedAt: now,
	}
	utm, utmErr := fix.Utm()
	if utmErr == nil {
		u := utm
		ps.UTM, ps.Utm = u.String(), &u
	}

	r.mu.Lock()
	r.position = ps
	save := r.positions != nil && fix.HasPosition() &&
		(r.positionSaved.IsZero() || now.Sub(r.positionSaved) >= r.cfg.MinInterval)
	if save {
		r.positionSaved = now
	}
	sessionID := r.sessionID
	r.mu.Unlock()

	if !save {
		return
	}
	rec := &database.PositionRecord{
		Latitude:   lat,
		Longitude:  lon,
		Altitude:   fix.Altitude,
		MSLHeight:  fix.MSLHeight,
		FixType:    fix.FixType,
		FixName:    ps.FixName,
		EPE:        fix.EPE,
		EPH:        fix.EPH,
		EPV:        fix.EPV,
		VelEast:    fix.VelEast,
		VelNorth:   fix.VelNorth,
		VelUp:      fix.VelUp,
		FixTime:    utc,
		ReceivedAt: now,
		SessionID:  sessionID,
	}
	if utmErr == nil {
		rec.UtmZone, rec.UtmBand = utm.ZoneNumber, string(utm.ZoneLetter)
		rec.Easting, rec.Northing = utm.Easting, utm.Northing
	}
	if err := r.positions.Create(rec); err != nil {
		r.persistFailed("Failed to save position", err)
	}
}

// OnEntities keeps the latest tracked-entity report.
func (r *Recorder) OnEntities(entities []protocol.TrackedEntity) {
	out := make([]EntityState, 0, len(entities))
	for _, e := range entities {
		out = append(out, EntityState{
			Status:    e.Status,
			Latitude:  e.LatitudeDegrees(),
			Longitude: e.LongitudeDegrees(),
			UTM:       geo.UtmString(e.LongitudeDegrees(), e.LatitudeDegrees()),
		})
	}
	r.mu.Lock()
	r.entities = out
	r.mu.Unlock()
}

// OnConnection stamps subsequent fixes with the connection's session ID.
func (r *Recorder) OnConnection(ev device.ConnectionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.Connected {
		r.sessionID = ev.SessionID
		return
	}
	r.sessionID = ""
}

func (r *Recorder) OnSession(device.SessionEvent) {}

func (r *Recorder) OnStatus(string) {}

// CleanupStale marks collars not heard from within maxAge as stale and
// returns the number still active.
func (r *Recorder) CleanupStale(maxAge time.Duration) int {
	now := r.now()

	r.mu.Lock()
	active := 0
	for id, e := range r.entries {
		if now.Sub(e.state.LastSeen) > maxAge {
			if !e.state.Stale {
				r.log.Info("Collar went stale",
					logger.Int("collar_id", int(id)),
					logger.Duration("last_seen", now.Sub(e.state.LastSeen)))
			}
			e.state.Stale = true
			continue
		}
		active++
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SetActiveCollars(active)
	}
	return active
}

// Collars returns a snapshot of every known collar ordered by ID.
func (r *Recorder) Collars() []CollarState {
	r.mu.RLock()
	out := make([]CollarState, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.state)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Collar returns the state of one collar.
func (r *Recorder) Collar(id int16) (CollarState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return CollarState{}, false
	}
	return e.state, true
}

// Position returns the latest handheld fix, if any.
func (r *Recorder) Position() (PositionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.position == nil {
		return PositionState{}, false
	}
	return *r.position, true
}

// Entities returns the latest tracked-entity report.
func (r *Recorder) Entities() []EntityState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EntityState, len(r.entities))
	copy(out, r.entities)
	return out
}

// ActiveCount returns the number of collars not marked stale.
func (r *Recorder) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if !e.state.Stale {
			n++
		}
	}
	return n
}

func (r *Recorder) persistFailed(msg string, err error) {
	r.log.Error(msg, logger.Error(err))
	if r.metrics != nil {
		r.metrics.PersistFailed("database")
	}
}

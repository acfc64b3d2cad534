package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/dbehnke/collar-nexus/pkg/database"
	"github.com/dbehnke/collar-nexus/pkg/device"
	"github.com/dbehnke/collar-nexus/pkg/logger"
	"github.com/dbehnke/collar-nexus/pkg/tracklog"
)

const (
	defaultTrackLimit = 100
	maxTrackLimit     = 1000
)

// DeviceStatus is satisfied by *device.Service
type DeviceStatus interface {
	Status() device.Status
}

// Tracker is satisfied by *tracklog.Recorder
type Tracker interface {
	Collars() []tracklog.CollarState
	Collar(id int16) (tracklog.CollarState, bool)
	Position() (tracklog.PositionState, bool)
	Entities() []tracklog.EntityState
	ActiveCount() int
}

// History is satisfied by *database.CollarFixRepository
type History interface {
	GetByCollarID(collarID int16, limit int) ([]database.CollarFix, error)
}

// Sources are the components the API reads from. Any may be nil.
type Sources struct {
	Device  DeviceStatus
	Tracker Tracker
	History History
}

// API handles REST API endpoints
type API struct {
	src    Sources
	logger *logger.Logger
}

// NewAPI creates a new API instance
func NewAPI(src Sources, log *logger.Logger) *API {
	return &API{
		src:    src,
		logger: logger.OrDefault(log),
	}
}

// HandleStatus handles the /api/status endpoint
func (a *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	v := CurrentVersion()
	response := map[string]interface{}{
		"status":     "running",
		"service":    "collar-nexus",
		"version":    v.Version,
		"commit":     v.Commit,
		"built":      v.BuildTime,
		"go_version": v.GoVersion,
	}
	if a.src.Device != nil {
		response["device"] = a.src.Device.Status()
	}
	if a.src.Tracker != nil {
		response["active_collars"] = a.src.Tracker.ActiveCount()
	}
	a.writeJSON(w, http.StatusOK, response)
}

// HandleCollars handles the /api/collars endpoint
func (a *API) HandleCollars(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	collars := []tracklog.CollarState{}
	if a.src.Tracker != nil {
		collars = a.src.Tracker.Collars()
	}
	a.writeJSON(w, http.StatusOK, collars)
}

// HandleCollar handles the /api/collars/{id} endpoint
func (a *API) HandleCollar(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := collarID(w, r)
	if !ok {
		return
	}
	if a.src.Tracker == nil {
		http.Error(w, "collar not found", http.StatusNotFound)
		return
	}
	st, found := a.src.Tracker.Collar(id)
	if !found {
		http.Error(w, "collar not found", http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, st)
}

// HandleTrack handles the /api/collars/{id}/track endpoint
func (a *API) HandleTrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := collarID(w, r)
	if !ok {
		return
	}
	if a.src.History == nil {
		http.Error(w, "history is disabled", http.StatusServiceUnavailable)
		return
	}

	limit := defaultTrackLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if n > maxTrackLimit {
			n = maxTrackLimit
		}
		limit = n
	}

	fixes, err := a.src.History.GetByCollarID(id, limit)
	if err != nil {
		a.logger.Error("Failed to load collar track", logger.Int("collar_id", int(id)), logger.Error(err))
		http.Error(w, "failed to load track", http.StatusInternalServerError)
		return
	}
	if fixes == nil {
		fixes = []database.CollarFix{}
	}
	a.writeJSON(w, http.StatusOK, fixes)
}

// HandlePosition handles the /api/position endpoint
func (a *API) HandlePosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.src.Tracker == nil {
		http.Error(w, "no position", http.StatusNotFound)
		return
	}
	ps, ok := a.src.Tracker.Position()
	if !ok {
		http.Error(w, "no position", http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, ps)
}

// HandleEntities handles the /api/entities endpoint
func (a *API) HandleEntities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entities := []tracklog.EntityState{}
	if a.src.Tracker != nil {
		entities = a.src.Tracker.Entities()
	}
	a.writeJSON(w, http.StatusOK, entities)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("Failed to encode response", logger.Error(err))
	}
}

func collarID(w http.ResponseWriter, r *http.Request) (int16, bool) {
	n, err := strconv.ParseInt(r.PathValue("id"), 10, 16)
	if err != nil {
		http.Error(w, "invalid collar id", http.StatusBadRequest)
		return 0, false
	}
	return int16(n), true
}

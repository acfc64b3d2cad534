//go:build integration
// +build integration

package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dbehnke/collar-nexus/internal/testhelpers"
	"github.com/dbehnke/collar-nexus/pkg/config"
	"github.com/dbehnke/collar-nexus/pkg/database"
	"github.com/dbehnke/collar-nexus/pkg/device"
	"github.com/dbehnke/collar-nexus/pkg/dispatch"
	"github.com/dbehnke/collar-nexus/pkg/metrics"
	"github.com/dbehnke/collar-nexus/pkg/protocol"
	"github.com/dbehnke/collar-nexus/pkg/session"
	"github.com/dbehnke/collar-nexus/pkg/tracklog"
	"github.com/dbehnke/collar-nexus/pkg/web"
)

// pipeline is the daemon's wiring with the device swapped for a MockChannel.
type pipeline struct {
	svc       *device.Service
	recorder  *tracklog.Recorder
	fixes     *database.CollarFixRepository
	positions *database.PositionRepository
	collector *metrics.Collector
	api       *httptest.Server
}

func deviceConfig(c config.DeviceConfig) device.Config {
	return device.Config{
		ConnectRetryInterval: c.ConnectRetryInterval,
		MaxConnectAttempts:   c.MaxConnectAttempts,
		StopTimeout:          c.StopTimeout,
		EventQueueSize:       c.EventQueueSize,
		AutoReconnect:        c.AutoReconnect,
		Session: session.Config{
			StartCommand: uint16(c.StartCommand),
			AutoStart:    c.StartCommand > 0,
		},
		Dispatch: dispatch.Config{
			WaitSlice:    c.ControlWait,
			BulkWait:     c.BulkWait,
			RetryBackoff: c.PostRetryBackoff,
			MaxIOErrors:  c.MaxIOErrors,
		},
	}
}

func startPipeline(t *testing.T, suite *testhelpers.IntegrationSuite) *pipeline {
	t.Helper()
	cfg := suite.Config

	db, err := database.NewDB(database.Config{Path: cfg.Database.Path}, suite.Logger)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	suite.OnCleanup(func() { _ = db.Close() })

	p := &pipeline{
		fixes:     database.NewCollarFixRepository(db.GetDB()),
		positions: database.NewPositionRepository(db.GetDB()),
		collector: metrics.NewCollector(),
	}
	p.recorder = tracklog.NewRecorder(p.fixes, p.positions, tracklog.Config{
		MinInterval: cfg.Tracking.MinInterval,
		StaleAfter:  cfg.Tracking.StaleAfter,
	}, suite.Logger)
	p.recorder.SetMetrics(p.collector)

	p.svc = device.New(suite.Device.Opener(), deviceConfig(cfg.Device), suite.Logger)
	p.svc.SetMetrics(p.collector)
	p.svc.Subscribe(p.recorder)

	srv := web.NewServer(cfg.Web, web.Sources{
		Device:  p.svc,
		Tracker: p.recorder,
		History: p.fixes,
	}, suite.Logger)
	p.svc.Subscribe(srv.GetHub())
	p.api = httptest.NewServer(srv.Handler())
	suite.OnCleanup(p.api.Close)

	suite.Device.AckSessions(3_405_691_582)

	done := make(chan error, 1)
	go func() { done <- p.svc.Run(suite.Ctx) }()
	suite.OnCleanup(func() {
		suite.Cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Expected nil from Run, got %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("Run did not return after cancel")
		}
		p.svc.Close()
	})

	suite.AssertEventually(func() bool {
		return p.svc.Status().SessionState == session.StateActive.String()
	}, 2*time.Second, "session becomes active")
	return p
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusOK && v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("Failed to decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestPipeline_SessionAndStartCommand(t *testing.T) {
	suite := testhelpers.NewIntegrationSuite(t)
	defer suite.Cleanup()

	p := startPipeline(t, suite)

	if st := p.svc.Status(); st.UnitID != 3_405_691_582 {
		t.Errorf("Expected unit ID 3405691582, got %d", st.UnitID)
	}

	want := protocol.BuildApplicationCommand(protocol.PIDCommandData, protocol.CmdStartPVTData)
	suite.AssertEventually(func() bool {
		for _, w := range suite.Device.Writes() {
			if bytes.Equal(w, want) {
				return true
			}
		}
		return false
	}, time.Second, "start PVT command written")
}

func TestPipeline_CollarsReachHistoryAndAPI(t *testing.T) {
	suite := testhelpers.NewIntegrationSuite(t)
	defer suite.Cleanup()

	p := startPipeline(t, suite)

	suite.SendControl(testhelpers.CollarPacket("Rex", 7, 45.5, -93.25))
	suite.SendControl(testhelpers.CollarPacket("Ace", 3, 45.6, -93.3))
	suite.SendControl(testhelpers.CollarPacket("Rex", 7, 45.51, -93.26))

	suite.AssertEventually(func() bool {
		n, err := p.fixes.Count()
		return err == nil && n == 3
	}, 2*time.Second, "three collar fixes stored")

	fixes, err := p.fixes.GetByCollarID(7, 10)
	if err != nil {
		t.Fatalf("GetByCollarID failed: %v", err)
	}
	if len(fixes) != 2 {
		t.Fatalf("Expected 2 fixes for collar 7, got %d", len(fixes))
	}
	if fixes[0].SessionID == "" || fixes[0].SessionID != p.svc.SessionID() {
		t.Errorf("Expected fixes stamped with session %q, got %q", p.svc.SessionID(), fixes[0].SessionID)
	}

	var collars []tracklog.CollarState
	if code := getJSON(t, p.api.URL+"/api/collars", &collars); code != http.StatusOK {
		t.Fatalf("Expected 200 from /api/collars, got %d", code)
	}
	if len(collars) != 2 || collars[0].ID != 3 || collars[1].Reports != 2 {
		t.Errorf("Unexpected collars %+v", collars)
	}

	var track []database.CollarFix
	if code := getJSON(t, p.api.URL+"/api/collars/7/track?limit=1", &track); code != http.StatusOK {
		t.Fatalf("Expected 200 from track, got %d", code)
	}
	if len(track) != 1 {
		t.Errorf("Expected 1 track point, got %d", len(track))
	}

	var status struct {
		Device        device.Status `json:"device"`
		ActiveCollars int           `json:"active_collars"`
	}
	getJSON(t, p.api.URL+"/api/status", &status)
	if status.Device.Collars != 3 || status.ActiveCollars != 2 {
		t.Errorf("Expected 3 collar records and 2 active, got %d and %d", status.Device.Collars, status.ActiveCollars)
	}
}

func TestPipeline_BulkPositionAndMetrics(t *testing.T) {
	suite := testhelpers.NewIntegrationSuite(t)
	defer suite.Cleanup()

	p := startPipeline(t, suite)

	suite.SendBulk(testhelpers.PVTPacket(45.5, -93.25))

	suite.AssertEventually(func() bool {
		n, err := p.positions.Count()
		return err == nil && n == 1
	}, 2*time.Second, "position stored")

	latest, err := p.positions.GetLatest()
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if latest.FixName != "3D" {
		t.Errorf("Expected 3D fix, got %q", latest.FixName)
	}

	scrape := httptest.NewServer(metrics.NewPrometheusHandler(p.collector))
	defer scrape.Close()

	resp, err := http.Get(scrape.URL)
	if err != nil {
		t.Fatalf("Scrape failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	for _, want := range []string{
		`collar_records_decoded_total{kind="position"} 1`,
		`collar_packets_received_total{pipe="bulk",type="application"} 1`,
		`collar_device_connected 1`,
		`collar_session_state 2`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Expected scrape to contain %q", want)
		}
	}
}

package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dbehnke/collar-nexus/internal/testhelpers"
	"github.com/dbehnke/collar-nexus/pkg/device"
	"github.com/dbehnke/collar-nexus/pkg/logger"
)

type countingMetrics struct {
	failed map[string]int
}

func (m *countingMetrics) PersistFailed(backend string) {
	if m.failed == nil {
		m.failed = make(map[string]int)
	}
	m.failed[backend]++
}

func TestCache_Keys(t *testing.T) {
	c := New(Config{Addr: "localhost:6379", KeyPrefix: "dogs:"}, nil)
	defer func() { _ = c.Close() }()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"collar", c.CollarKey(7), "dogs:collar:7"},
		{"negative collar", c.CollarKey(-2), "dogs:collar:-2"},
		{"position", c.PositionKey(), "dogs:position"},
		{"index", c.IndexKey(), "dogs:collars"},
		{"events", c.EventChannel("collar"), "dogs:events/collar"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, tt.got)
			}
		})
	}
}

func TestCache_NilSafe(t *testing.T) {
	var c *Cache
	ctx := context.Background()

	c.SetMetrics(&countingMetrics{})
	c.OnCollar(testhelpers.Collar("Rex", 7, 45, -93))
	c.OnPosition(testhelpers.Fix(45, -93))
	c.OnConnection(device.ConnectionEvent{Connected: true, SessionID: "x"})
	c.OnEntities(nil)
	c.OnSession(device.SessionEvent{})
	c.OnStatus("hello")

	if err := c.Ping(ctx); err == nil {
		t.Error("Expected error pinging a nil cache")
	}
	if _, ok, err := c.Collar(ctx, 7); ok || err != nil {
		t.Errorf("Expected nothing from nil cache, got ok=%v err=%v", ok, err)
	}
	if recs, err := c.Collars(ctx); recs != nil || err != nil {
		t.Errorf("Expected nothing from nil cache, got %v %v", recs, err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Expected nil close, got %v", err)
	}
}

func TestCache_Unreachable(t *testing.T) {
	c := New(Config{Addr: "127.0.0.1:1", TTL: time.Minute}, logger.New(logger.Config{Level: "error"}))
	defer func() { _ = c.Close() }()
	m := &countingMetrics{}
	c.SetMetrics(m)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx); err == nil {
		t.Fatal("Expected ping to fail against a closed port")
	}

	c.OnCollar(testhelpers.Collar("Rex", 7, 45, -93))
	if m.failed["redis"] != 1 {
		t.Errorf("Expected 1 redis failure, got %d", m.failed["redis"])
	}

	if _, _, err := c.Collar(ctx, 7); err == nil {
		t.Error("Expected read error against a closed port")
	}
}

func TestCache_PositionWithoutFixSkipped(t *testing.T) {
	c := New(Config{Addr: "127.0.0.1:1"}, logger.New(logger.Config{Level: "error"}))
	defer func() { _ = c.Close() }()
	m := &countingMetrics{}
	c.SetMetrics(m)

	// A fix without a usable position never reaches redis.
	fix := testhelpers.Fix(45, -93)
	fix.FixType = 0
	c.OnPosition(fix)
	if m.failed["redis"] != 0 {
		t.Errorf("Expected no redis write, got %d failures", m.failed["redis"])
	}
}

func TestDecodeCollars(t *testing.T) {
	good, _ := json.Marshal(CollarRecord{ID: 7, Name: "Rex", Latitude: 45})
	vals := []interface{}{string(good), nil, "not json", ""}

	recs := decodeCollars(vals)
	if len(recs) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(recs))
	}
	if recs[0].ID != 7 || recs[0].Name != "Rex" {
		t.Errorf("Unexpected record %+v", recs[0])
	}
}

func TestCache_SessionStamp(t *testing.T) {
	c := New(Config{Addr: "localhost:6379"}, nil)
	defer func() { _ = c.Close() }()

	c.OnConnection(device.ConnectionEvent{Connected: true, SessionID: "abc"})
	if got := c.session(); got != "abc" {
		t.Errorf("Expected session abc, got %q", got)
	}
	c.OnConnection(device.ConnectionEvent{Connected: false})
	if got := c.session(); got != "" {
		t.Errorf("Expected empty session after disconnect, got %q", got)
	}
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dbehnke/collar-nexus/pkg/device"
)

var _ device.Metrics = (*Collector)(nil)

// TestNewCollector tests creating a new metrics collector
func TestNewCollector(t *testing.T) {
	collector := NewCollector()
	if collector == nil {
		t.Fatal("Expected non-nil collector")
	}
	if collector.Registry() == nil {
		t.Fatal("Expected non-nil registry")
	}
}

// TestCollector_PacketMetrics tests packet and byte counters
func TestCollector_PacketMetrics(t *testing.T) {
	c := NewCollector()

	c.PacketReceived("control", 0x00, 2, 12)
	c.PacketReceived("bulk", 0x14, 0x33, 76)
	c.PacketReceived("bulk", 0x14, 0x33, 76)

	if got := testutil.ToFloat64(c.packetsReceived.WithLabelValues("bulk", "application")); got != 2 {
		t.Errorf("Expected 2 bulk application packets, got %v", got)
	}
	if got := testutil.ToFloat64(c.packetsReceived.WithLabelValues("control", "control")); got != 1 {
		t.Errorf("Expected 1 control packet, got %v", got)
	}
	if got := testutil.ToFloat64(c.bytesReceived.WithLabelValues("bulk")); got != 152 {
		t.Errorf("Expected 152 bulk bytes, got %v", got)
	}
}

// TestCollector_ErrorMetrics tests the error counters
func TestCollector_ErrorMetrics(t *testing.T) {
	c := NewCollector()

	c.FrameError()
	c.DecodeError(0x0C06)
	c.DecodeError(0x0C06)
	c.UnknownPacket(0x14, 0x0999)
	c.IOError()
	c.PersistFailed("redis")

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"frame", testutil.ToFloat64(c.frameErrors), 1},
		{"decode", testutil.ToFloat64(c.decodeErrors.WithLabelValues("0x0C06")), 2},
		{"unknown", testutil.ToFloat64(c.unknownPackets.WithLabelValues("application", "0x0999")), 1},
		{"io", testutil.ToFloat64(c.ioErrors), 1},
		{"persist", testutil.ToFloat64(c.persistErrors.WithLabelValues("redis")), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, tt.got)
			}
		})
	}
}

// TestCollector_Gauges tests connection, session and collar gauges
func TestCollector_Gauges(t *testing.T) {
	c := NewCollector()

	c.SetConnected(true)
	c.SetSessionState(2)
	c.SetActiveCollars(3)
	if got := testutil.ToFloat64(c.connected); got != 1 {
		t.Errorf("Expected connected 1, got %v", got)
	}
	if got := testutil.ToFloat64(c.sessionState); got != 2 {
		t.Errorf("Expected session state 2, got %v", got)
	}
	if got := testutil.ToFloat64(c.activeCollars); got != 3 {
		t.Errorf("Expected 3 active collars, got %v", got)
	}

	c.SetConnected(false)
	if got := testutil.ToFloat64(c.connected); got != 0 {
		t.Errorf("Expected connected 0, got %v", got)
	}
}

// TestCollector_ServiceCounters tests decoded, dropped and reconnect counters
func TestCollector_ServiceCounters(t *testing.T) {
	c := NewCollector()

	c.RecordDecoded("collar")
	c.RecordDecoded("collar")
	c.RecordDecoded("position")
	c.EventDropped()
	c.Reconnect()

	if got := testutil.ToFloat64(c.decoded.WithLabelValues("collar")); got != 2 {
		t.Errorf("Expected 2 collars decoded, got %v", got)
	}
	if got := testutil.ToFloat64(c.eventsDropped); got != 1 {
		t.Errorf("Expected 1 dropped event, got %v", got)
	}
	if got := testutil.ToFloat64(c.reconnects); got != 1 {
		t.Errorf("Expected 1 reconnect, got %v", got)
	}
}

// TestCollector_SeparateRegistries tests that collectors do not share state
func TestCollector_SeparateRegistries(t *testing.T) {
	a := NewCollector()
	b := NewCollector()

	a.FrameError()
	if got := testutil.ToFloat64(b.frameErrors); got != 0 {
		t.Errorf("Expected independent collectors, got %v", got)
	}
}

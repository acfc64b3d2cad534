package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector collects collar-nexus metrics on its own registry
type Collector struct {
	registry *prometheus.Registry

	packetsReceived *prometheus.CounterVec
	bytesReceived   *prometheus.CounterVec
	frameErrors     prometheus.Counter
	decodeErrors    *prometheus.CounterVec
	unknownPackets  *prometheus.CounterVec
	ioErrors        prometheus.Counter

	decoded       *prometheus.CounterVec
	eventsDropped prometheus.Counter
	reconnects    prometheus.Counter
	persistErrors *prometheus.CounterVec

	connected     prometheus.Gauge
	sessionState  prometheus.Gauge
	activeCollars prometheus.Gauge
}

// NewCollector creates a new metrics collector with a fresh registry
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		packetsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_packets_received_total",
			Help: "Packets read from the device, by pipe and packet type",
		}, []string{"pipe", "type"}),
		bytesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_bytes_received_total",
			Help: "Bytes read from the device, by pipe",
		}, []string{"pipe"}),
		frameErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "collar_frame_errors_total",
			Help: "Reads too short to hold a packet header",
		}),
		decodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_decode_errors_total",
			Help: "Payloads that failed to decode, by application ID",
		}, []string{"app_id"}),
		unknownPackets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_unknown_packets_total",
			Help: "Packets with an unrecognised type or application ID",
		}, []string{"type", "app_id"}),
		ioErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "collar_io_errors_total",
			Help: "Device reads that completed with an error",
		}),

		decoded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_records_decoded_total",
			Help: "Decoded records delivered to subscribers, by kind",
		}, []string{"kind"}),
		eventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "collar_events_dropped_total",
			Help: "Subscriber events dropped because the queue was full",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "collar_reconnects_total",
			Help: "Reconnects after a device failure",
		}),
		persistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_persist_errors_total",
			Help: "Failed writes to a storage backend",
		}, []string{"backend"}),

		connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "collar_device_connected",
			Help: "1 while the device is open",
		}),
		sessionState: f.NewGauge(prometheus.GaugeOpts{
			Name: "collar_session_state",
			Help: "Session state (0 disconnected, 1 awaiting ack, 2 active)",
		}),
		activeCollars: f.NewGauge(prometheus.GaugeOpts{
			Name: "collar_active_collars",
			Help: "Collars heard within the stale window",
		}),
	}
}

// Registry returns the registry the collector's metrics live on
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// PacketReceived records a packet read from pipe
func (c *Collector) PacketReceived(pipe string, packetType byte, appID uint16, size int) {
	c.packetsReceived.WithLabelValues(pipe, packetTypeLabel(packetType)).Inc()
	c.bytesReceived.WithLabelValues(pipe).Add(float64(size))
}

// FrameError records an unframeable read
func (c *Collector) FrameError() {
	c.frameErrors.Inc()
}

// DecodeError records a payload decode failure
func (c *Collector) DecodeError(appID uint16) {
	c.decodeErrors.WithLabelValues(appIDLabel(appID)).Inc()
}

// UnknownPacket records a packet nothing handles
func (c *Collector) UnknownPacket(packetType byte, appID uint16) {
	c.unknownPackets.WithLabelValues(packetTypeLabel(packetType), appIDLabel(appID)).Inc()
}

// IOError records a failed read
func (c *Collector) IOError() {
	c.ioErrors.Inc()
}

// RecordDecoded records a record handed to subscribers
func (c *Collector) RecordDecoded(kind string) {
	c.decoded.WithLabelValues(kind).Inc()
}

// EventDropped records a dropped subscriber event
func (c *Collector) EventDropped() {
	c.eventsDropped.Inc()
}

// Reconnect records a reconnect attempt
func (c *Collector) Reconnect() {
	c.reconnects.Inc()
}

// PersistFailed records a failed write to backend ("database", "redis")
func (c *Collector) PersistFailed(backend string) {
	c.persistErrors.WithLabelValues(backend).Inc()
}

// SetConnected sets the connection gauge
func (c *Collector) SetConnected(connected bool) {
	if connected {
		c.connected.Set(1)
		return
	}
	c.connected.Set(0)
}

// SetSessionState sets the session state gauge
func (c *Collector) SetSessionState(state int) {
	c.sessionState.Set(float64(state))
}

// SetActiveCollars sets the active collar gauge
func (c *Collector) SetActiveCollars(n int) {
	c.activeCollars.Set(float64(n))
}

func packetTypeLabel(t byte) string {
	switch t {
	case 0x00:
		return "control"
	case 0x14:
		return "application"
	default:
		return fmt.Sprintf("0x%02X", t)
	}
}

func appIDLabel(id uint16) string {
	return fmt.Sprintf("0x%04X", id)
}

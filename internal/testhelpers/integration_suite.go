package testhelpers

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/dbehnke/collar-nexus/pkg/config"
	"github.com/dbehnke/collar-nexus/pkg/logger"
)

// IntegrationSuite provides infrastructure for integration tests: a scripted
// device, a config pointing at a scratch directory and a bounded context.
type IntegrationSuite struct {
	T       *testing.T
	Config  *config.Config
	Logger  *logger.Logger
	Ctx     context.Context
	Cancel  context.CancelFunc
	Device  *MockChannel
	TempDir string

	cleanups []func()
}

// NewIntegrationSuite creates a new integration test suite
func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	log := logger.New(logger.Config{
		Level:  "debug",
		Format: "text",
	})

	dir := t.TempDir()
	cfg := CreateDefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "collar-nexus.db")

	return &IntegrationSuite{
		T:       t,
		Config:  cfg,
		Logger:  log,
		Ctx:     ctx,
		Cancel:  cancel,
		Device:  NewMockChannel(),
		TempDir: dir,
	}
}

// OnCleanup registers fn to run, most recent first, from Cleanup.
func (s *IntegrationSuite) OnCleanup(fn func()) {
	s.cleanups = append(s.cleanups, fn)
}

// SendBulk announces a bulk transfer on the control pipe and queues pkt on
// the bulk pipe.
func (s *IntegrationSuite) SendBulk(pkt []byte) {
	s.Device.PushControl(DataAvailablePacket())
	s.Device.PushBulk(pkt)
}

// SendControl queues pkt on the control pipe.
func (s *IntegrationSuite) SendControl(pkt []byte) {
	s.Device.PushControl(pkt)
}

// GetFreePort gets a free port for testing
func (s *IntegrationSuite) GetFreePort() int {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		s.T.Fatal(err)
	}

	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		s.T.Fatal(err)
	}
	defer func() { _ = listener.Close() }()

	return listener.Addr().(*net.TCPAddr).Port
}

// Cleanup cleans up resources
func (s *IntegrationSuite) Cleanup() {
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		s.cleanups[i]()
	}
	s.cleanups = nil

	_ = s.Device.Close()

	// Cancel context
	s.Cancel()
}

// WaitFor waits for a condition to be true
func (s *IntegrationSuite) WaitFor(condition func() bool, timeout time.Duration, message string) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.T.Logf("WaitFor timeout: %s", message)
	return false
}

// AssertEventually asserts that a condition becomes true within timeout
func (s *IntegrationSuite) AssertEventually(condition func() bool, timeout time.Duration, message string) {
	if !s.WaitFor(condition, timeout, message) {
		s.T.Errorf("Assertion failed: %s", message)
	}
}

// CreateDefaultConfig creates a test configuration with fast timings and
// every network-facing component disabled.
func CreateDefaultConfig() *config.Config {
	return &config.Config{
		Device: config.DeviceConfig{
			Path:                 "mock",
			ConnectRetryInterval: 20 * time.Millisecond,
			ControlWait:          20 * time.Millisecond,
			BulkWait:             500 * time.Millisecond,
			PostRetryBackoff:     10 * time.Millisecond,
			StopTimeout:          time.Second,
			MaxIOErrors:          5,
			EventQueueSize:       64,
			AutoReconnect:        true,
			StartCommand:         49,
		},
		Tracking: config.TrackingConfig{
			MinInterval: 0,
			StaleAfter:  time.Minute,
		},
		Database: config.DatabaseConfig{
			Enabled:   true,
			Path:      "collar-nexus.db",
			Retention: 24 * time.Hour,
		},
		Redis: config.RedisConfig{
			Enabled: false,
		},
		Web: config.WebConfig{
			Enabled: false,
		},
		Logging: config.LoggingConfig{
			Level:  "debug",
			Format: "text",
		},
		Metrics: config.MetricsConfig{
			Enabled: false,
		},
	}
}

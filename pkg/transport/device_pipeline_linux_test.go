//go:build linux

package transport_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dbehnke/collar-nexus/internal/testhelpers"
	"github.com/dbehnke/collar-nexus/pkg/dispatch"
	"github.com/dbehnke/collar-nexus/pkg/logger"
	"github.com/dbehnke/collar-nexus/pkg/protocol"
	"github.com/dbehnke/collar-nexus/pkg/transport"
)

// pipelineHandler forwards every dispatched record on one channel so the
// test can check arrival order.
type pipelineHandler struct {
	records chan any
}

func (h pipelineHandler) HandlePosition(fix protocol.PositionFix) { h.records <- fix }
func (h pipelineHandler) HandleCollar(c protocol.CollarTelemetry) { h.records <- c }
func (h pipelineHandler) HandleEntities(e []protocol.TrackedEntity) { h.records <- e }
func (h pipelineHandler) HandleStatus(msg string) { h.records <- msg }

func (h pipelineHandler) HandleSessionStarted(payload []byte) error {
	h.records <- payload
	return nil
}

func TestDevicePipeline_RecordsArriveIntact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garmin")
	if err := unix.Mkfifo(path, 0o600); err != nil {
		t.Skipf("mkfifo not available: %v", err)
	}

	log := logger.New(logger.Config{Level: "error"})
	tr := transport.New(transport.DeviceOpener(path, 0), log)
	if err := tr.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer tr.Close()

	h := pipelineHandler{records: make(chan any, 16)}
	cfg := dispatch.DefaultConfig()
	cfg.WaitSlice = 10 * time.Millisecond
	loop := dispatch.New(tr, h, cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	// The FIFO loops writes back to the reader, standing in for the
	// driver's byte stream.
	for _, pkt := range [][]byte{
		testhelpers.DataAvailablePacket(),
		testhelpers.PVTPacket(45.5, -93.25),
		testhelpers.CollarPacket("Rex", 7, 44.0, -93.0),
		testhelpers.EntitiesPacket(44.0, -93.0),
	} {
		if _, err := tr.Write(pkt); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	next := func() any {
		t.Helper()
		select {
		case r := <-h.records:
			return r
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for a record")
			return nil
		}
	}

	fix, ok := next().(protocol.PositionFix)
	if !ok {
		t.Fatal("Expected a position fix first")
	}
	if lat := fix.LatitudeDegrees(); lat < 45.49 || lat > 45.51 {
		t.Errorf("Expected latitude 45.5, got %v", lat)
	}
	if fix.WeekDays != 12425 || fix.FixType != protocol.Fix3D {
		t.Errorf("Expected week days 12425 and a 3D fix, got %d and %d", fix.WeekDays, fix.FixType)
	}

	c, ok := next().(protocol.CollarTelemetry)
	if !ok {
		t.Fatal("Expected a collar record second")
	}
	if c.Name != "Rex" || c.ID != 7 {
		t.Errorf("Expected collar Rex/7, got %q/%d", c.Name, c.ID)
	}
	if c.ActionState != 1 {
		t.Errorf("Expected action state 1 from the collar tail, got %d", c.ActionState)
	}

	entities, ok := next().([]protocol.TrackedEntity)
	if !ok {
		t.Fatal("Expected tracked entities third")
	}
	if len(entities) != protocol.TrackedEntitiesPerPkt {
		t.Fatalf("Expected %d entities, got %d", protocol.TrackedEntitiesPerPkt, len(entities))
	}
	for i, e := range entities {
		if e.Status != uint32(i+1) {
			t.Errorf("Entity %d: expected status %d, got %d", i, i+1, e.Status)
		}
	}

	select {
	case r := <-h.records:
		t.Errorf("Unexpected extra record %v", r)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil on cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Loop did not return")
	}
}

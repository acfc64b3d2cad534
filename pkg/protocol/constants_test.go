package protocol

import "testing"

func TestPayloadSizes(t *testing.T) {
	tests := []struct {
		name     string
		got      int
		expected int
	}{
		{"PVT record", PVTOffsetWeekDays + 4, PositionFixSize},
		{"Entities per packet", TrackedEntitiesPerPkt, 6},
		{"Collar tail", 4 + 4 + 4 + 2, CollarTailSize},
		{"Collar minimum covers status C", CollarOffsetStatusC + 2, CollarMinSize - 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, tt.got)
			}
		})
	}
}

func TestApplicationIDs(t *testing.T) {
	if PIDPositionFix != 51 {
		t.Errorf("Expected PVT app ID 51, got %d", PIDPositionFix)
	}
	if PIDTrackedEntities != 114 {
		t.Errorf("Expected multi-entity app ID 114, got %d", PIDTrackedEntities)
	}
	if PIDCollar != 3078 {
		t.Errorf("Expected collar app ID 3078, got %d", PIDCollar)
	}
}

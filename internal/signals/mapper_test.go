package signals

import (
	"testing"

	"github.com/sdhome/core/internal/domain"
)

func TestMapMotion(t *testing.T) {
	evt, err := Map("sdhome", "sdhome/hallway_motion", []byte(`{"occupancy":true,"battery":90}`))
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if evt == nil {
		t.Fatal("Map() returned nil")
	}
	if evt.DeviceID != "hallway_motion" {
		t.Errorf("DeviceID = %q, want hallway_motion", evt.DeviceID)
	}
	if evt.Capability != "motion" {
		t.Errorf("Capability = %q, want motion", evt.Capability)
	}
	if evt.DeviceKind != domain.DeviceKindMotion {
		t.Errorf("DeviceKind = %q, want Motion", evt.DeviceKind)
	}
}

func TestMapButton(t *testing.T) {
	evt, err := Map("sdhome", "sdhome/hallway_switch", []byte(`{"action":"single"}`))
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if evt.Capability != "button" || evt.EventSubType != "single" {
		t.Errorf("got capability=%q subType=%q, want button/single", evt.Capability, evt.EventSubType)
	}
}

func TestMapNonObjectPayloadDropped(t *testing.T) {
	evt, err := Map("sdhome", "sdhome/lamp", []byte(`"ON"`))
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if evt != nil {
		t.Fatalf("expected nil for non-object payload, got %+v", evt)
	}
}

func TestMapTopicWithoutBasePrefixDropped(t *testing.T) {
	evt, err := Map("sdhome", "zigbee2mqtt/lamp", []byte(`{"state":"ON"}`))
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if evt != nil {
		t.Fatalf("expected nil for unrelated topic, got %+v", evt)
	}
}

func TestMapSubTopicKeepsOnlyDeviceSegment(t *testing.T) {
	evt, err := Map("sdhome", "sdhome/front_door/state", []byte(`{"contact":true}`))
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if evt.DeviceID != "front_door" {
		t.Errorf("DeviceID = %q, want front_door", evt.DeviceID)
	}
}

package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/voxwire/voxwire/internal/mcp"
)

func catalog(t *testing.T) (mcp.Registry, *DeviceState) {
	t.Helper()
	reg := mcp.NewMemoryRegistry()
	dev := NewDeviceState()
	if err := Register(reg, dev); err != nil {
		t.Fatalf("register catalog: %v", err)
	}
	return reg, dev
}

func call(t *testing.T, reg mcp.Registry, name string, args map[string]any) (string, error) {
	t.Helper()
	tool, ok := reg.Get(name)
	if !ok {
		t.Fatalf("tool %s not registered", name)
	}
	return tool.Handler(context.Background(), args)
}

func TestGetDeviceStatus(t *testing.T) {
	reg, dev := catalog(t)
	dev.SetBattery(42, true)

	out, err := call(t, reg, "self.get_device_status", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	var status map[string]map[string]any
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("status is not json: %v", err)
	}
	if status["battery"]["level"] != float64(42) || status["battery"]["charging"] != true {
		t.Errorf("battery status mismatch: %v", status["battery"])
	}
	if status["audio_speaker"]["volume"] != float64(70) {
		t.Errorf("default volume mismatch: %v", status["audio_speaker"])
	}
}

func TestSetVolume(t *testing.T) {
	reg, dev := catalog(t)

	if _, err := call(t, reg, "self.audio_speaker.set_volume", map[string]any{"volume": float64(35)}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if dev.Volume() != 35 {
		t.Errorf("volume not applied: %d", dev.Volume())
	}

	if _, err := call(t, reg, "self.audio_speaker.set_volume", map[string]any{"volume": float64(150)}); err == nil {
		t.Error("out-of-range volume must fail")
	}
	if _, err := call(t, reg, "self.audio_speaker.set_volume", map[string]any{"volume": "loud"}); err == nil || !strings.Contains(err.Error(), "number") {
		t.Errorf("non-numeric volume must fail, got %v", err)
	}
	if _, err := call(t, reg, "self.audio_speaker.set_volume", nil); err == nil {
		t.Error("missing argument must fail")
	}
}

func TestSetMuteAndBrightness(t *testing.T) {
	reg, dev := catalog(t)

	if _, err := call(t, reg, "self.audio_speaker.set_mute", map[string]any{"muted": true}); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if _, err := call(t, reg, "self.screen.set_brightness", map[string]any{"brightness": float64(10)}); err != nil {
		t.Fatalf("brightness: %v", err)
	}

	status := dev.snapshot()
	speaker := status["audio_speaker"].(map[string]any)
	screen := status["screen"].(map[string]any)
	if speaker["muted"] != true {
		t.Error("mute not applied")
	}
	if screen["brightness"] != 10 {
		t.Errorf("brightness not applied: %v", screen["brightness"])
	}
}

func TestCatalogIsDiscoverable(t *testing.T) {
	reg, _ := catalog(t)
	listed := reg.List()
	if len(listed) != 4 {
		t.Fatalf("expected 4 tools, got %d", len(listed))
	}
	for i := 1; i < len(listed); i++ {
		if listed[i-1].Name >= listed[i].Name {
			t.Errorf("catalog not sorted: %s before %s", listed[i-1].Name, listed[i].Name)
		}
	}
}

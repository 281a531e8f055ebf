// Package tools is the catalog of device-side capabilities exposed over the
// capability layer. The remote discovers them through tools/list and drives
// the device through tools/call.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/voxwire/voxwire/internal/mcp"
)

// DeviceState is the mutable hardware surface the tools operate on. All
// accessors are safe for concurrent use; tool handlers run on the control
// dispatch goroutine while the owning application may read concurrently.
type DeviceState struct {
	mu         sync.Mutex
	volume     int // 0..100
	brightness int // 0..100
	muted      bool
	battery    int
	charging   bool
}

func NewDeviceState() *DeviceState {
	return &DeviceState{volume: 70, brightness: 80, battery: 100}
}

func (d *DeviceState) Volume() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volume
}

func (d *DeviceState) SetVolume(v int) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("volume %d out of range 0..100", v)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volume = v
	return nil
}

func (d *DeviceState) SetBrightness(v int) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("brightness %d out of range 0..100", v)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.brightness = v
	return nil
}

func (d *DeviceState) SetMuted(m bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.muted = m
}

// SetBattery is fed by whatever power telemetry the host platform has.
func (d *DeviceState) SetBattery(level int, charging bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.battery = level
	d.charging = charging
}

func (d *DeviceState) snapshot() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]any{
		"audio_speaker": map[string]any{"volume": d.volume, "muted": d.muted},
		"screen":        map[string]any{"brightness": d.brightness},
		"battery":       map[string]any{"level": d.battery, "charging": d.charging},
	}
}

func intArg(args map[string]any, key string) (int, error) {
	raw, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("missing argument %q", key)
	}
	// JSON numbers arrive as float64
	f, ok := raw.(float64)
	if !ok {
		return 0, fmt.Errorf("argument %q must be a number", key)
	}
	return int(f), nil
}

func boolArg(args map[string]any, key string) (bool, error) {
	raw, ok := args[key]
	if !ok {
		return false, fmt.Errorf("missing argument %q", key)
	}
	b, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("argument %q must be a boolean", key)
	}
	return b, nil
}

// Register installs the device catalog into a registry.
func Register(reg mcp.Registry, dev *DeviceState) error {
	catalog := []mcp.Tool{
		{
			Name:        "self.get_device_status",
			Description: "Get the real-time status of the device: speaker, screen and battery.",
			Handler: func(_ context.Context, _ map[string]any) (string, error) {
				out, err := json.Marshal(dev.snapshot())
				if err != nil {
					return "", err
				}
				return string(out), nil
			},
		},
		{
			Name:        "self.audio_speaker.set_volume",
			Description: "Set the speaker output volume, 0 to 100.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"volume": map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
				},
				"required": []string{"volume"},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				v, err := intArg(args, "volume")
				if err != nil {
					return "", err
				}
				if err := dev.SetVolume(v); err != nil {
					return "", err
				}
				return fmt.Sprintf(`{"volume":%d}`, v), nil
			},
		},
		{
			Name:        "self.audio_speaker.set_mute",
			Description: "Mute or unmute the speaker.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"muted": map[string]any{"type": "boolean"},
				},
				"required": []string{"muted"},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				m, err := boolArg(args, "muted")
				if err != nil {
					return "", err
				}
				dev.SetMuted(m)
				return fmt.Sprintf(`{"muted":%t}`, m), nil
			},
		},
		{
			Name:        "self.screen.set_brightness",
			Description: "Set the screen brightness, 0 to 100.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"brightness": map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
				},
				"required": []string{"brightness"},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				v, err := intArg(args, "brightness")
				if err != nil {
					return "", err
				}
				if err := dev.SetBrightness(v); err != nil {
					return "", err
				}
				return fmt.Sprintf(`{"brightness":%d}`, v), nil
			},
		},
	}

	for _, tool := range catalog {
		if err := reg.Register(tool); err != nil {
			return fmt.Errorf("registering %s: %w", tool.Name, err)
		}
	}
	return nil
}

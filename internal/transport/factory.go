// Package transport builds the configured session protocol binding.
package transport

import (
	"fmt"

	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/protocol"
	"github.com/voxwire/voxwire/internal/transport/mqttudp"
	"github.com/voxwire/voxwire/internal/transport/ws"
	"github.com/voxwire/voxwire/pkg/Logger"
)

// New maps the settings surface onto one of the two bindings.
func New(settings *config.Settings, logger *Logger.Logger) (protocol.SessionProtocol, error) {
	params := protocol.AudioParams{
		Format:        settings.Audio.Format,
		SampleRate:    settings.Audio.SampleRate,
		Channels:      settings.Audio.Channels,
		FrameDuration: settings.Audio.FrameDuration,
	}

	switch settings.Protocol.Transport {
	case "websocket":
		return ws.New(ws.Config{
			URL:             settings.WS.URL,
			Token:           settings.WS.Token,
			DeviceID:        settings.WS.DeviceID,
			FrameVersion:    settings.Protocol.FrameVersion,
			ConnectTimeout:  settings.Protocol.ConnectTimeout,
			LivenessTimeout: settings.Protocol.LivenessTimeout,
			AudioParams:     params,
			QueueFrames:     settings.Audio.QueueFrames,
			EnableMCP:       true,
		}, logger.Named("ws")), nil

	case "udp":
		return mqttudp.New(mqttudp.Config{
			Broker:          settings.MQTT.Broker,
			ClientID:        settings.MQTT.ClientID,
			Username:        settings.MQTT.Username,
			Password:        settings.MQTT.Password,
			PublishTopic:    settings.MQTT.PublishTopic,
			SubscribeTopic:  settings.MQTT.SubscribeTopic,
			ConnectTimeout:  settings.Protocol.ConnectTimeout,
			LivenessTimeout: settings.Protocol.LivenessTimeout,
			AudioParams:     params,
			QueueFrames:     settings.Audio.QueueFrames,
			EnableMCP:       true,
			CipherSuite:     settings.Security.CipherSuite,
			GapTolerance:    settings.Security.GapTolerance,
		}, logger.Named("mqtt-udp")), nil
	}
	return nil, fmt.Errorf("unknown transport %q", settings.Protocol.Transport)
}

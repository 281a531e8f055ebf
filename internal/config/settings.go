package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ProtocolConfig selects the transport binding and its protocol knobs.
// Values are enumerated, not free-form; Validate rejects anything else.
type ProtocolConfig struct {
	Transport       string        `mapstructure:"transport"`        // websocket | udp
	FrameVersion    int           `mapstructure:"frame_version"`    // 1, 2 or 3
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`  // hello reply wait
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"` // silence before forced close
	AutoListen      bool          `mapstructure:"auto_listen"`
	ListenMode      string        `mapstructure:"listen_mode"` // auto | manual | realtime
}

type WSConfig struct {
	URL      string `mapstructure:"url"`
	Token    string `mapstructure:"token"`
	DeviceID string `mapstructure:"device_id"`
}

type MQTTConfig struct {
	Broker         string `mapstructure:"broker"`
	ClientID       string `mapstructure:"client_id"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	PublishTopic   string `mapstructure:"publish_topic"`
	SubscribeTopic string `mapstructure:"subscribe_topic"`
}

type AudioConfig struct {
	Format        string `mapstructure:"format"`
	SampleRate    int    `mapstructure:"sample_rate"`
	Channels      int    `mapstructure:"channels"`
	FrameDuration int    `mapstructure:"frame_duration"` // ms
	QueueFrames   int    `mapstructure:"queue_frames"`   // outbound ring capacity
}

type SecurityConfig struct {
	CipherSuite  string `mapstructure:"cipher_suite"`  // aes-ctr | chacha20
	GapTolerance uint32 `mapstructure:"gap_tolerance"` // forward sequence jump before loss warning
}

type Settings struct {
	Protocol ProtocolConfig `mapstructure:"protocol"`
	WS       WSConfig       `mapstructure:"websocket"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Audio    AudioConfig    `mapstructure:"audio"`
	Security SecurityConfig `mapstructure:"security"`
	Env      string         `mapstructure:"env"`
	Debug    bool           `mapstructure:"debug"`
}

func Load() (*Settings, error) {
	viper.SetConfigName("config_" + genEnv())
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var settings Settings
	if err := viper.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}

	return &settings, nil
}

func setDefaults() {
	viper.SetDefault("protocol.transport", "websocket")
	viper.SetDefault("protocol.frame_version", 1)
	viper.SetDefault("protocol.connect_timeout", 10*time.Second)
	viper.SetDefault("protocol.liveness_timeout", 120*time.Second)
	viper.SetDefault("protocol.auto_listen", true)
	viper.SetDefault("protocol.listen_mode", "auto")
	viper.SetDefault("audio.format", "opus")
	viper.SetDefault("audio.sample_rate", 16000)
	viper.SetDefault("audio.channels", 1)
	viper.SetDefault("audio.frame_duration", 60)
	viper.SetDefault("audio.queue_frames", 64)
	viper.SetDefault("security.cipher_suite", "aes-ctr")
	viper.SetDefault("security.gap_tolerance", 16)
}

func (s *Settings) Validate() error {
	switch s.Protocol.Transport {
	case "websocket", "udp":
	default:
		return fmt.Errorf("unknown transport %q", s.Protocol.Transport)
	}
	switch s.Protocol.FrameVersion {
	case 1, 2, 3:
	default:
		return fmt.Errorf("unknown frame version %d", s.Protocol.FrameVersion)
	}
	switch s.Protocol.ListenMode {
	case "auto", "manual", "realtime":
	default:
		return fmt.Errorf("unknown listen mode %q", s.Protocol.ListenMode)
	}
	switch s.Security.CipherSuite {
	case "aes-ctr", "chacha20":
	default:
		return fmt.Errorf("unknown cipher suite %q", s.Security.CipherSuite)
	}
	return nil
}

func genEnv() string {
	env := viper.GetString("ENV")
	if env == "" {
		return "dev"
	}
	return env
}

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Archie3d/waveshare-lora-gateway/pkg/pingpong"
	"github.com/Archie3d/waveshare-lora-gateway/pkg/radio"
	"github.com/Archie3d/waveshare-lora-gateway/pkg/types"
	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const (
	// Channels are addressed by a single trailing digit
	MaxChannels = 10

	DefaultBaudRate        = 115200
	DefaultSubjectPrefix   = "lora"
	DefaultTelemetryPeriod = 30 * time.Second

	// Device name of the in-memory transceiver
	SimulatedDevice = "sim"

	TelemetryJSON     = "json"
	TelemetryProtobuf = "protobuf"
)

type Config struct {
	LogLevel       string          `yaml:"log_level"`
	Host           HostConfig      `yaml:"host"`
	DefaultChannel int             `yaml:"default_channel"`
	Channels       []ChannelConfig `yaml:"channels"`
	PingPong       PingPongConfig  `yaml:"ping_pong"`
	Nats           NatsConfig      `yaml:"nats"`
}

// HostConfig describes the link to the host. An empty port means stdin/stdout.
type HostConfig struct {
	Port        string `yaml:"port"`
	BaudRate    int    `yaml:"baud_rate"`
	ReplaceCrLf bool   `yaml:"replace_crlf"`
}

type ChannelConfig struct {
	Device   string             `yaml:"device"`
	BaudRate int                `yaml:"baud_rate"`
	Radio    RadioConfiguration `yaml:"radio"`
}

type RadioConfiguration struct {
	Frequency       uint32              `yaml:"frequency"`
	Power           LoRaPower           `yaml:"power"`
	SpreadingFactor LoRaSpreadingFactor `yaml:"spreading_factor"`
	Bandwidth       LoRaBandwidth       `yaml:"bandwidth"`
	CodingRate      LoRaCodingRate      `yaml:"coding_rate"`
	PreambleLength  uint16              `yaml:"preamble_length"`
	SymbolTimeout   uint16              `yaml:"symbol_timeout"`
	TxMode          TxMode              `yaml:"tx_mode"`
	RxMode          RxMode              `yaml:"rx_mode"`
	RxTimeout       types.Duration      `yaml:"rx_timeout"`
	Crc             bool                `yaml:"crc"`
	ImplicitHeader  bool                `yaml:"implicit_header"`
	InvertIQ        bool                `yaml:"invert_iq"`
	FreqHopping     bool                `yaml:"frequency_hopping"`
	HopPeriod       uint8               `yaml:"hop_period"`
}

type PingPongConfig struct {
	Role          string         `yaml:"role"`
	Channel       int            `yaml:"channel"`
	LocalAddress  uint8          `yaml:"local_address"`
	RemoteAddress uint8          `yaml:"remote_address"`
	Period        types.Duration `yaml:"period"`
}

// NatsConfig enables the message bus bridge when Url is set.
type NatsConfig struct {
	Url             string         `yaml:"url"`
	SubjectPrefix   string         `yaml:"subject_prefix"`
	TelemetryPeriod types.Duration `yaml:"telemetry_period"`
	TelemetryFormat string         `yaml:"telemetry_format"`
}

func DefaultRadio() RadioConfiguration {
	cfg := radio.DefaultConfig()

	return RadioConfiguration{
		Frequency:       cfg.Frequency,
		Power:           LoRaPower(cfg.Power),
		SpreadingFactor: LoRaSpreadingFactor(cfg.SpreadingFactor),
		Bandwidth:       LoRaBandwidth(cfg.Bandwidth),
		CodingRate:      LoRaCodingRate(cfg.CodingRate),
		PreambleLength:  cfg.PreambleLength,
		SymbolTimeout:   cfg.SymbolTimeout,
		TxMode:          TxMode(cfg.TxMode),
		RxMode:          RxMode(cfg.RxMode),
		RxTimeout:       types.Duration(cfg.RxTimeout),
		Crc:             cfg.CrcEnable,
		ImplicitHeader:  cfg.FixedLength,
		InvertIQ:        cfg.IqInversion,
		FreqHopping:     cfg.FreqHopping,
		HopPeriod:       cfg.HopPeriod,
	}
}

func DefaultChannel() ChannelConfig {
	return ChannelConfig{
		Device:   SimulatedDevice,
		BaudRate: DefaultBaudRate,
		Radio:    DefaultRadio(),
	}
}

// Default returns a configuration with a single simulated channel talking
// to the host over stdin/stdout.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Host: HostConfig{
			BaudRate: DefaultBaudRate,
		},
		Channels: []ChannelConfig{DefaultChannel()},
		PingPong: PingPongConfig{
			Role:   pingpong.RoleStopped.String(),
			Period: types.Duration(pingpong.DefaultPeriod),
		},
		Nats: NatsConfig{
			SubjectPrefix:   DefaultSubjectPrefix,
			TelemetryPeriod: types.Duration(DefaultTelemetryPeriod),
			TelemetryFormat: TelemetryJSON,
		},
	}
}

// Fields missing from a channel entry keep their default values.
func (c *ChannelConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain ChannelConfig

	ch := plain(DefaultChannel())
	if err := node.Decode(&ch); err != nil {
		return err
	}

	*c = ChannelConfig(ch)

	return nil
}

// Load reads a configuration file on top of the defaults and validates it.
func Load(configFile string) (*Config, error) {
	f, err := os.Open(configFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	config := Default()
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)

	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%s: %w", configFile, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", configFile, err)
	}

	return config, nil
}

func (c *Config) Validate() error {
	var errs []error

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	if c.Host.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("host: invalid baud rate %d", c.Host.BaudRate))
	}

	if len(c.Channels) == 0 {
		errs = append(errs, errors.New("at least one channel must be configured"))
	}

	if len(c.Channels) > MaxChannels {
		errs = append(errs, fmt.Errorf("too many channels: %d, at most %d are supported", len(c.Channels), MaxChannels))
	}

	if c.DefaultChannel < 0 || c.DefaultChannel >= len(c.Channels) {
		errs = append(errs, fmt.Errorf("default_channel %d does not exist", c.DefaultChannel))
	}

	for i, ch := range c.Channels {
		if ch.Device == "" {
			errs = append(errs, fmt.Errorf("channel %d: device is not specified", i))
		}

		if ch.BaudRate <= 0 {
			errs = append(errs, fmt.Errorf("channel %d: invalid baud rate %d", i, ch.BaudRate))
		}

		if err := ch.Radio.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("channel %d: %w", i, err))
		}
	}

	role, err := pingpong.ParseRole(c.PingPong.Role)
	if err != nil {
		errs = append(errs, fmt.Errorf("ping_pong: %w", err))
	}

	if role != pingpong.RoleStopped {
		if c.PingPong.Channel < 0 || c.PingPong.Channel >= len(c.Channels) {
			errs = append(errs, fmt.Errorf("ping_pong: channel %d does not exist", c.PingPong.Channel))
		}

		if c.PingPong.Period <= 0 {
			errs = append(errs, errors.New("ping_pong: period must be positive"))
		}
	}

	if c.Nats.Url != "" {
		if c.Nats.SubjectPrefix == "" {
			errs = append(errs, errors.New("nats: subject_prefix is not specified"))
		}

		switch c.Nats.TelemetryFormat {
		case TelemetryJSON, TelemetryProtobuf:
		default:
			errs = append(errs, fmt.Errorf("nats: unknown telemetry format '%s'", c.Nats.TelemetryFormat))
		}
	}

	return errors.Join(errs...)
}

func (r *RadioConfiguration) Validate() error {
	if r.Frequency < radio.MinFrequency || r.Frequency > radio.MaxFrequency {
		return fmt.Errorf("frequency %d Hz is out of range", r.Frequency)
	}

	if r.PreambleLength < radio.MinPreambleLength || r.PreambleLength > radio.MaxPreambleLength {
		return fmt.Errorf("preamble length %d is out of range", r.PreambleLength)
	}

	if r.SymbolTimeout < radio.MinSymbolTimeout || r.SymbolTimeout > radio.MaxSymbolTimeout {
		return fmt.Errorf("symbol timeout %d is out of range", r.SymbolTimeout)
	}

	if r.RxTimeout.Std() > radio.MaxRxTimeout {
		return fmt.Errorf("receive timeout %s exceeds %s", r.RxTimeout, radio.MaxRxTimeout)
	}

	return nil
}

// Radio converts the configuration into the session settings.
func (r *RadioConfiguration) Radio() radio.Config {
	return radio.Config{
		Frequency:       r.Frequency,
		Bandwidth:       uint8(r.Bandwidth),
		SpreadingFactor: uint8(r.SpreadingFactor),
		CodingRate:      uint8(r.CodingRate),
		PreambleLength:  r.PreambleLength,
		SymbolTimeout:   r.SymbolTimeout,
		Power:           int8(r.Power),
		TxMode:          radio.TxMode(r.TxMode),
		RxMode:          radio.RxMode(r.RxMode),
		RxTimeout:       r.RxTimeout.Std(),
		CrcEnable:       r.Crc,
		FixedLength:     r.ImplicitHeader,
		IqInversion:     r.InvertIQ,
		FreqHopping:     r.FreqHopping,
		HopPeriod:       r.HopPeriod,
	}
}

// ParsedRole returns the configured ping-pong role. Only meaningful on a
// validated configuration.
func (p *PingPongConfig) ParsedRole() pingpong.Role {
	role, _ := pingpong.ParseRole(p.Role)
	return role
}

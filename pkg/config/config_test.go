package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/Archie3d/waveshare-lora-gateway/pkg/pingpong"
	"github.com/Archie3d/waveshare-lora-gateway/pkg/radio"
	"github.com/Archie3d/waveshare-lora-gateway/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadGatewayConfigYaml(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "gateway.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/dev/ttyACM0", cfg.Host.Port)
	assert.Equal(t, 921600, cfg.Host.BaudRate)
	assert.True(t, cfg.Host.ReplaceCrLf)
	assert.Equal(t, 1, cfg.DefaultChannel)

	require.Len(t, cfg.Channels, 2)

	ch := cfg.Channels[0]
	assert.Equal(t, "/dev/ttyUSB0", ch.Device)
	assert.Equal(t, DefaultBaudRate, ch.BaudRate)

	r := ch.Radio.Radio()
	assert.Equal(t, uint32(868100000), r.Frequency)
	assert.Equal(t, int8(10), r.Power)
	assert.Equal(t, uint8(9), r.SpreadingFactor)
	assert.Equal(t, uint8(radio.Bandwidth125k), r.Bandwidth)
	assert.Equal(t, uint8(3), r.CodingRate)
	assert.Equal(t, radio.TxModeRxAfterTx, r.TxMode)
	assert.Equal(t, radio.RxModeSingle, r.RxMode)
	assert.Equal(t, 2500*time.Millisecond, r.RxTimeout)

	// Omitted settings keep their defaults
	assert.Equal(t, uint16(radio.DefaultPreambleLength), r.PreambleLength)
	assert.True(t, r.CrcEnable)

	assert.Equal(t, SimulatedDevice, cfg.Channels[1].Device)
	assert.Equal(t, radio.DefaultConfig(), cfg.Channels[1].Radio.Radio())

	assert.Equal(t, pingpong.RoleMaster, cfg.PingPong.ParsedRole())
	assert.Equal(t, 1, cfg.PingPong.Channel)
	assert.Equal(t, uint8(1), cfg.PingPong.LocalAddress)
	assert.Equal(t, uint8(2), cfg.PingPong.RemoteAddress)
	assert.Equal(t, 3*time.Second, cfg.PingPong.Period.Std())

	assert.Equal(t, "nats://localhost:4222", cfg.Nats.Url)
	assert.Equal(t, "gw", cfg.Nats.SubjectPrefix)
	assert.Equal(t, time.Minute, cfg.Nats.TelemetryPeriod.Std())
	assert.Equal(t, TelemetryProtobuf, cfg.Nats.TelemetryFormat)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, radio.DefaultConfig(), cfg.Channels[0].Radio.Radio())
	assert.Equal(t, pingpong.RoleStopped, cfg.PingPong.ParsedRole())
}

func TestLoadRejectsInvalidRadio(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "bad_radio.yaml"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel 0: frequency")
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "unknown_field.yaml"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{"no channels", func(cfg *Config) { cfg.Channels = nil }},
		{"too many channels", func(cfg *Config) {
			for range MaxChannels {
				cfg.Channels = append(cfg.Channels, DefaultChannel())
			}
		}},
		{"default channel", func(cfg *Config) { cfg.DefaultChannel = 1 }},
		{"log level", func(cfg *Config) { cfg.LogLevel = "loud" }},
		{"host baud rate", func(cfg *Config) { cfg.Host.BaudRate = 0 }},
		{"empty device", func(cfg *Config) { cfg.Channels[0].Device = "" }},
		{"rx timeout", func(cfg *Config) { cfg.Channels[0].Radio.RxTimeout = types.Duration(11 * time.Second) }},
		{"symbol timeout", func(cfg *Config) { cfg.Channels[0].Radio.SymbolTimeout = 2 }},
		{"role", func(cfg *Config) { cfg.PingPong.Role = "referee" }},
		{"ping-pong channel", func(cfg *Config) {
			cfg.PingPong.Role = "slave"
			cfg.PingPong.Channel = 3
		}},
		{"telemetry format", func(cfg *Config) {
			cfg.Nats.Url = "nats://localhost:4222"
			cfg.Nats.TelemetryFormat = "xml"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoRaBandwidthYaml(t *testing.T) {
	var bw LoRaBandwidth

	require.NoError(t, yaml.Unmarshal([]byte("62.5"), &bw))
	assert.Equal(t, LoRaBandwidth(radio.Bandwidth62k5), bw)

	require.NoError(t, yaml.Unmarshal([]byte("500"), &bw))
	assert.Equal(t, LoRaBandwidth(radio.Bandwidth500k), bw)

	assert.Error(t, yaml.Unmarshal([]byte("300"), &bw))

	out, err := yaml.Marshal(LoRaBandwidth(radio.Bandwidth250k))
	require.NoError(t, err)
	assert.Equal(t, "250\n", string(out))
}

func TestLoRaCodingRateYaml(t *testing.T) {
	var cr LoRaCodingRate

	require.NoError(t, yaml.Unmarshal([]byte("4/8"), &cr))
	assert.Equal(t, LoRaCodingRate(4), cr)

	assert.Error(t, yaml.Unmarshal([]byte("4/9"), &cr))

	out, err := yaml.Marshal(LoRaCodingRate(2))
	require.NoError(t, err)
	assert.Equal(t, "4/6\n", string(out))
}

func TestLoRaLimitsYaml(t *testing.T) {
	var sf LoRaSpreadingFactor
	assert.Error(t, yaml.Unmarshal([]byte("6"), &sf))
	assert.NoError(t, yaml.Unmarshal([]byte("7"), &sf))

	var pw LoRaPower
	assert.Error(t, yaml.Unmarshal([]byte("21"), &pw))
	assert.NoError(t, yaml.Unmarshal([]byte("0"), &pw))

	var tm TxMode
	assert.Error(t, yaml.Unmarshal([]byte("sleep"), &tm))

	var rm RxMode
	require.NoError(t, yaml.Unmarshal([]byte("continuous-idle"), &rm))
	assert.Equal(t, RxMode(radio.RxModeContinuousIdle), rm)
}

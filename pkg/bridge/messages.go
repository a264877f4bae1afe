package bridge

import (
	"encoding/json"
	"time"

	"github.com/Archie3d/waveshare-lora-gateway/pkg/codec"
)

// Payload is written to JSON as uppercase hex. It is read back in the
// command value syntax, so both "48690A" and "'Hi'0A" are accepted.
type Payload []byte

func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(codec.AppendHex(nil, p)))
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	decoded, err := codec.DecodeString(s, 0)
	if err != nil {
		return err
	}

	*p = decoded

	return nil
}

// IncomingFrame is published for every message received on a radio channel.
type IncomingFrame struct {
	Channel int       `json:"channel"`
	Data    Payload   `json:"data"`
	RSSI    int16     `json:"rssi"`
	SNR     int8      `json:"snr"`
	Time    time.Time `json:"time"`
}

// OutgoingFrame asks the gateway to transmit on a radio channel.
type OutgoingFrame struct {
	Channel int     `json:"channel"`
	Data    Payload `json:"data"`
}

type ChannelTelemetry struct {
	Channel    int    `json:"channel"`
	Present    bool   `json:"present"`
	State      string `json:"state"`
	RxCount    uint16 `json:"rx_count"`
	RxErrCount uint16 `json:"rx_err_count"`
	LostCount  uint32 `json:"lost_count"`
	RSSI       int16  `json:"rssi"`
	SNR        int8   `json:"snr"`
	TxFree     int    `json:"tx_free"`
	// Instantaneous RSSI, unknown while the radio is not initialized
	NoiseFloor *int16 `json:"noise_floor,omitempty"`
}

type PingPongTelemetry struct {
	Role       string `json:"role"`
	RxCount    uint16 `json:"rx_count"`
	RxErrCount uint16 `json:"rx_err_count"`
	RemoteRSSI int16  `json:"remote_rssi"`
}

type Telemetry struct {
	Uptime   float64            `json:"uptime"`
	Channels []ChannelTelemetry `json:"channels"`
	PingPong *PingPongTelemetry `json:"ping_pong,omitempty"`
}

package radio

import (
	"time"
)

type TxMode uint8

const (
	// Transceiver goes idle after a transmission
	TxModeIdleAfterTx TxMode = iota
	// Transceiver switches to receive after a transmission
	TxModeRxAfterTx
)

type RxMode uint8

const (
	// Single receive, transceiver goes idle after the first message
	RxModeSingle RxMode = iota
	// Continuous receive, transceiver goes idle after the first message
	RxModeContinuousIdle
	// Continuous receive, transceiver keeps receiving
	RxModeContinuous
)

// LoRa bandwidth codes as used by the 'bw' command
const (
	Bandwidth62k5 = 6
	Bandwidth125k = 7
	Bandwidth250k = 8
	Bandwidth500k = 9
)

const (
	MinFrequency = 400000000
	MaxFrequency = 950000000

	MinPower = 0
	MaxPower = 20

	MinSymbolTimeout = 4
	MaxSymbolTimeout = 1023

	MinPreambleLength = 4
	MaxPreambleLength = 1000

	MinSpreadingFactor = 7
	MaxSpreadingFactor = 12

	MaxRxTimeout = 10 * time.Second
)

const (
	DefaultFrequency       = 918800000
	DefaultPower           = 14
	DefaultBandwidth       = Bandwidth500k
	DefaultSpreadingFactor = 12
	DefaultCodingRate      = 1 // 4/5
	DefaultPreambleLength  = 8
	DefaultSymbolTimeout   = 5
	DefaultHopPeriod       = 4
	DefaultRxTimeout       = 5 * time.Second
)

// Config holds the tunables of a single radio channel.
type Config struct {
	Frequency       uint32
	Bandwidth       uint8
	SpreadingFactor uint8
	CodingRate      uint8 // 1=4/5, 2=4/6, 3=4/7, 4=4/8
	PreambleLength  uint16
	SymbolTimeout   uint16
	Power           int8

	TxMode    TxMode
	RxMode    RxMode
	RxTimeout time.Duration // 0 = no timeout

	CrcEnable   bool
	FixedLength bool // implicit header mode
	IqInversion bool
	FreqHopping bool
	HopPeriod   uint8
}

func DefaultConfig() Config {
	return Config{
		Frequency:       DefaultFrequency,
		Bandwidth:       DefaultBandwidth,
		SpreadingFactor: DefaultSpreadingFactor,
		CodingRate:      DefaultCodingRate,
		PreambleLength:  DefaultPreambleLength,
		SymbolTimeout:   DefaultSymbolTimeout,
		Power:           DefaultPower,
		TxMode:          TxModeIdleAfterTx,
		RxMode:          RxModeContinuous,
		RxTimeout:       DefaultRxTimeout,
		CrcEnable:       true,
		HopPeriod:       DefaultHopPeriod,
	}
}

// BandwidthHz returns the bandwidth in Hz for a bandwidth code, or 0 if the
// code is not supported.
func BandwidthHz(code uint8) uint32 {
	switch code {
	case Bandwidth62k5:
		return 62500
	case Bandwidth125k:
		return 125000
	case Bandwidth250k:
		return 250000
	case Bandwidth500k:
		return 500000
	}

	return 0
}

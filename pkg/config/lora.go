package config

import (
	"fmt"
	"strconv"

	"github.com/Archie3d/waveshare-lora-gateway/pkg/radio"
	"gopkg.in/yaml.v3"
)

// LoRaBandwidth is written in kHz in the configuration file and holds the
// radio bandwidth code.
type LoRaBandwidth uint8

func (b LoRaBandwidth) MarshalYAML() (any, error) {
	hz := radio.BandwidthHz(uint8(b))
	if hz == 0 {
		return nil, fmt.Errorf("unsupported LoRa bandwidth code %d", b)
	}

	if hz == 62500 {
		return 62.5, nil
	}

	return hz / 1000, nil
}

func (b *LoRaBandwidth) UnmarshalYAML(node *yaml.Node) error {
	switch node.Value {
	case "62", "62.5":
		*b = radio.Bandwidth62k5
	case "125":
		*b = radio.Bandwidth125k
	case "250":
		*b = radio.Bandwidth250k
	case "500":
		*b = radio.Bandwidth500k
	default:
		return fmt.Errorf("unsupported LoRa bandwidth %s kHz", node.Value)
	}

	return nil
}

//------------------------------------------------------------------------------

type LoRaSpreadingFactor uint8

func (s *LoRaSpreadingFactor) UnmarshalYAML(node *yaml.Node) error {
	sf, err := strconv.ParseUint(node.Value, 10, 8)
	if err != nil {
		return err
	}

	if sf < radio.MinSpreadingFactor || sf > radio.MaxSpreadingFactor {
		return fmt.Errorf("unsupported LoRa spreading factor %d", sf)
	}

	*s = LoRaSpreadingFactor(sf)

	return nil
}

//------------------------------------------------------------------------------

type LoRaCodingRate uint8

var codingRates = []string{"4/5", "4/6", "4/7", "4/8"}

func (c LoRaCodingRate) MarshalYAML() (any, error) {
	if c < 1 || int(c) > len(codingRates) {
		return nil, fmt.Errorf("unsupported LoRa coding rate: %d", c)
	}

	return codingRates[c-1], nil
}

func (c *LoRaCodingRate) UnmarshalYAML(node *yaml.Node) error {
	for i, cr := range codingRates {
		if node.Value == cr {
			*c = LoRaCodingRate(i + 1)
			return nil
		}
	}

	return fmt.Errorf("unknown LoRa coding rate '%s'", node.Value)
}

//------------------------------------------------------------------------------

type LoRaPower int8

func (p *LoRaPower) UnmarshalYAML(node *yaml.Node) error {
	pw, err := strconv.ParseInt(node.Value, 10, 8)
	if err != nil {
		return err
	}

	if pw < radio.MinPower || pw > radio.MaxPower {
		return fmt.Errorf("unsupported LoRa power %d dBm", pw)
	}

	*p = LoRaPower(pw)

	return nil
}

//------------------------------------------------------------------------------

type TxMode radio.TxMode

func (m *TxMode) UnmarshalYAML(node *yaml.Node) error {
	switch node.Value {
	case "idle", "0":
		*m = TxMode(radio.TxModeIdleAfterTx)
	case "rx", "1":
		*m = TxMode(radio.TxModeRxAfterTx)
	default:
		return fmt.Errorf("unknown transmit mode '%s'", node.Value)
	}

	return nil
}

type RxMode radio.RxMode

func (m *RxMode) UnmarshalYAML(node *yaml.Node) error {
	switch node.Value {
	case "single", "0":
		*m = RxMode(radio.RxModeSingle)
	case "continuous-idle", "1":
		*m = RxMode(radio.RxModeContinuousIdle)
	case "continuous", "2":
		*m = RxMode(radio.RxModeContinuous)
	default:
		return fmt.Errorf("unknown receive mode '%s'", node.Value)
	}

	return nil
}

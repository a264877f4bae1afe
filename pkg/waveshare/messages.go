package waveshare

import (
	"encoding/binary"
	"fmt"
)

// Message types. Every request type has a response with the top bit set.
const (
	msgGetVersion      = 0x01
	msgSetLoRaParams   = 0x02
	msgSetLoRaPacket   = 0x03
	msgSetRxParams     = 0x04
	msgSetTxParams     = 0x05
	msgSetFrequency    = 0x06
	msgSetFallbackMode = 0x07
	msgGetRSSI         = 0x08
	msgSetRx           = 0x09
	msgSetTx           = 0x0A
	msgSetStandby      = 0x0B

	responseFlag = 0x80

	// Unsolicited
	msgTimeout           = 0x90
	msgPacketReceived    = 0x91
	msgPacketTransmitted = 0x92
	msgContinuousRSSI    = 0x93
	msgLogging           = 0x9F
)

// Bandwidth codes of the dongle
const (
	bw62k5 = 3
	bw125k = 4
	bw250k = 5
	bw500k = 6
)

const (
	fallbackStandbyRC = 0x20

	standbyRC   = 0x00
	standbyXOSC = 0x01

	rampTime200us = 0x04

	privateSyncWord = 0x12
)

// Request is a message sent to the dongle.
type Request interface {
	Frame() Frame
}

// Response is decoded from a frame received from the dongle.
type Response interface {
	Decode(f *Frame) error
}

type PayloadSizeError struct {
	Type     byte
	Expected int
	Received int
}

func (e *PayloadSizeError) Error() string {
	return fmt.Sprintf("message 0x%02X: expected %d bytes of payload, received %d", e.Type, e.Expected, e.Received)
}

func checkFrame(f *Frame, msgType byte, size int) error {
	if f.Type != msgType {
		return fmt.Errorf("unexpected message type 0x%02X, expected 0x%02X", f.Type, msgType)
	}

	if size >= 0 && len(f.Payload) != size {
		return &PayloadSizeError{Type: f.Type, Expected: size, Received: len(f.Payload)}
	}

	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

//------------------------------------------------------------------------------

type Version struct {
	Major, Minor, Patch byte
}

func (m *Version) Frame() Frame {
	return Frame{Type: msgGetVersion}
}

func (m *Version) Decode(f *Frame) error {
	if err := checkFrame(f, msgGetVersion|responseFlag, 3); err != nil {
		return err
	}

	m.Major, m.Minor, m.Patch = f.Payload[0], f.Payload[1], f.Payload[2]

	return nil
}

func (m *Version) String() string {
	return fmt.Sprintf("%d.%d.%d", m.Major, m.Minor, m.Patch)
}

//------------------------------------------------------------------------------

type LoRaParams struct {
	SpreadingFactor byte
	Bandwidth       byte
	CodingRate      byte
	LowDataRate     bool
}

func (m *LoRaParams) Frame() Frame {
	return Frame{
		Type:    msgSetLoRaParams,
		Payload: []byte{m.SpreadingFactor, m.Bandwidth, m.CodingRate, boolByte(m.LowDataRate)},
	}
}

func (m *LoRaParams) Decode(f *Frame) error {
	if err := checkFrame(f, msgSetLoRaParams|responseFlag, 4); err != nil {
		return err
	}

	m.SpreadingFactor = f.Payload[0]
	m.Bandwidth = f.Payload[1]
	m.CodingRate = f.Payload[2]
	m.LowDataRate = f.Payload[3] != 0

	return nil
}

//------------------------------------------------------------------------------

type PacketParams struct {
	PreambleLength uint16
	ImplicitHeader bool
	SyncWord       byte
	CrcOn          bool
	InvertIQ       bool
}

func (m *PacketParams) Frame() Frame {
	payload := make([]byte, 6)
	binary.LittleEndian.PutUint16(payload, m.PreambleLength)
	payload[2] = boolByte(m.ImplicitHeader)
	payload[3] = m.SyncWord
	payload[4] = boolByte(m.CrcOn)
	payload[5] = boolByte(m.InvertIQ)

	return Frame{Type: msgSetLoRaPacket, Payload: payload}
}

func (m *PacketParams) Decode(f *Frame) error {
	if err := checkFrame(f, msgSetLoRaPacket|responseFlag, 6); err != nil {
		return err
	}

	m.PreambleLength = binary.LittleEndian.Uint16(f.Payload)
	m.ImplicitHeader = f.Payload[2] != 0
	m.SyncWord = f.Payload[3]
	m.CrcOn = f.Payload[4] != 0
	m.InvertIQ = f.Payload[5] != 0

	return nil
}

//------------------------------------------------------------------------------

type TxParams struct {
	DutyCycle byte
	HpMax     byte
	Power     byte
	RampTime  byte
}

func (m *TxParams) Frame() Frame {
	return Frame{
		Type:    msgSetTxParams,
		Payload: []byte{m.DutyCycle, m.HpMax, m.Power, m.RampTime},
	}
}

func (m *TxParams) Decode(f *Frame) error {
	if err := checkFrame(f, msgSetTxParams|responseFlag, 4); err != nil {
		return err
	}

	m.DutyCycle, m.HpMax, m.Power, m.RampTime = f.Payload[0], f.Payload[1], f.Payload[2], f.Payload[3]

	return nil
}

//------------------------------------------------------------------------------

type Frequency struct {
	Hz uint32
}

func (m *Frequency) Frame() Frame {
	return Frame{Type: msgSetFrequency, Payload: binary.LittleEndian.AppendUint32(nil, m.Hz)}
}

func (m *Frequency) Decode(f *Frame) error {
	if err := checkFrame(f, msgSetFrequency|responseFlag, 4); err != nil {
		return err
	}

	m.Hz = binary.LittleEndian.Uint32(f.Payload)

	return nil
}

//------------------------------------------------------------------------------

type FallbackMode struct {
	Mode byte
}

func (m *FallbackMode) Frame() Frame {
	return Frame{Type: msgSetFallbackMode, Payload: []byte{m.Mode}}
}

func (m *FallbackMode) Decode(f *Frame) error {
	if err := checkFrame(f, msgSetFallbackMode|responseFlag, 1); err != nil {
		return err
	}

	m.Mode = f.Payload[0]

	return nil
}

//------------------------------------------------------------------------------

type InstantRSSI struct {
	DBm int16
}

func (m *InstantRSSI) Frame() Frame {
	return Frame{Type: msgGetRSSI}
}

func (m *InstantRSSI) Decode(f *Frame) error {
	if err := checkFrame(f, msgGetRSSI|responseFlag, 2); err != nil {
		return err
	}

	m.DBm = int16(binary.LittleEndian.Uint16(f.Payload))

	return nil
}

//------------------------------------------------------------------------------

// StartRx switches the dongle to receive. A zero timeout receives until
// told otherwise.
type StartRx struct {
	TimeoutMs      uint32
	ContinuousRSSI bool
}

func (m *StartRx) Frame() Frame {
	payload := binary.LittleEndian.AppendUint32(nil, m.TimeoutMs)
	payload = append(payload, boolByte(m.ContinuousRSSI))

	return Frame{Type: msgSetRx, Payload: payload}
}

func (m *StartRx) Decode(f *Frame) error {
	if err := checkFrame(f, msgSetRx|responseFlag, 5); err != nil {
		return err
	}

	m.TimeoutMs = binary.LittleEndian.Uint32(f.Payload)
	m.ContinuousRSSI = f.Payload[4] != 0

	return nil
}

//------------------------------------------------------------------------------

// Transmit carries the timeout and data in the request and the busy flag in
// the response.
type Transmit struct {
	TimeoutMs uint32
	Data      []byte
	Busy      bool
}

func (m *Transmit) Frame() Frame {
	payload := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(m.Data)), m.TimeoutMs)
	payload = append(payload, m.Data...)

	return Frame{Type: msgSetTx, Payload: payload}
}

func (m *Transmit) Decode(f *Frame) error {
	if err := checkFrame(f, msgSetTx|responseFlag, 1); err != nil {
		return err
	}

	m.Busy = f.Payload[0] != 0

	return nil
}

//------------------------------------------------------------------------------

type Standby struct {
	Mode byte
}

func (m *Standby) Frame() Frame {
	return Frame{Type: msgSetStandby, Payload: []byte{m.Mode}}
}

func (m *Standby) Decode(f *Frame) error {
	if err := checkFrame(f, msgSetStandby|responseFlag, 1); err != nil {
		return err
	}

	m.Mode = f.Payload[0]

	return nil
}

//==============================================================================
// Unsolicited messages

type PacketReceived struct {
	PacketRSSI int8
	PacketSNR  int8
	SignalRSSI int8
	Data       []byte
}

func (m *PacketReceived) Decode(f *Frame) error {
	if err := checkFrame(f, msgPacketReceived, -1); err != nil {
		return err
	}

	if len(f.Payload) < 3 {
		return &PayloadSizeError{Type: f.Type, Expected: 3, Received: len(f.Payload)}
	}

	m.PacketRSSI = int8(f.Payload[0])
	m.PacketSNR = int8(f.Payload[1])
	m.SignalRSSI = int8(f.Payload[2])
	m.Data = append([]byte(nil), f.Payload[3:]...)

	return nil
}

type PacketTransmitted struct {
	TimeOnAirMs uint32
}

func (m *PacketTransmitted) Decode(f *Frame) error {
	if err := checkFrame(f, msgPacketTransmitted, 4); err != nil {
		return err
	}

	m.TimeOnAirMs = binary.LittleEndian.Uint32(f.Payload)

	return nil
}

type ContinuousRSSI struct {
	DBm int16
}

func (m *ContinuousRSSI) Decode(f *Frame) error {
	if err := checkFrame(f, msgContinuousRSSI, 2); err != nil {
		return err
	}

	m.DBm = int16(binary.LittleEndian.Uint16(f.Payload))

	return nil
}

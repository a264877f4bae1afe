package radio

import (
	"errors"
	"time"
)

var (
	// ErrNoRadio is returned by Transceiver.Init when no device answers.
	ErrNoRadio = errors.New("no radio detected")

	// ErrInProgress is returned by Transceiver.Init when the outcome is
	// reported later with EventInitDone or EventInitFailed.
	ErrInProgress = errors.New("initialization in progress")
)

/*
Transceiver is the half-duplex LoRa device driven by a Session.

The methods are called from the event loop and must not wait for the
device. Completions are reported later through the EventSink. A
transceiver that talks to its device over a slow link queues the requests
and reports failures with events: Init returns ErrInProgress, a failed
Send is reported as EventTxTimeout with Err set.

RSSI returns the latest instantaneous reading without waiting for a new
one.
*/
type Transceiver interface {
	Init(cfg Config) error
	Send(payload []byte) error
	Receive(timeout time.Duration) error
	Sleep() error
	Standby() error
	RSSI() (int16, error)
}

type EventType int

const (
	EventTxDone EventType = iota
	EventTxTimeout
	EventRxDone
	EventRxTimeout
	EventRxError
	EventInitDone
	EventInitFailed
)

func (t EventType) String() string {
	switch t {
	case EventTxDone:
		return "tx-done"
	case EventTxTimeout:
		return "tx-timeout"
	case EventRxDone:
		return "rx-done"
	case EventRxTimeout:
		return "rx-timeout"
	case EventRxError:
		return "rx-error"
	case EventInitDone:
		return "init-done"
	case EventInitFailed:
		return "init-failed"
	}

	return "unknown"
}

// Event is a transceiver completion.
// Payload, RSSI and SNR are only set for EventRxDone. Err is set for
// EventInitFailed and for an EventTxTimeout caused by a failed request.
type Event struct {
	Type    EventType
	Payload []byte
	RSSI    int16
	SNR     int8
	Err     error
}

// EventSink receives transceiver completions. Notify may be called from
// any goroutine and must not block.
type EventSink interface {
	Notify(ev Event)
}

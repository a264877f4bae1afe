// Package bridge connects the radio channels to a NATS bus: received
// frames and telemetry are published, frames published by other services
// are transmitted.
package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	FormatJSON     = "json"
	FormatProtobuf = "protobuf"
)

// Bus is the part of *nats.Conn used by the bridge.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// TxHandler is called from the NATS delivery goroutine for every frame to
// transmit.
type TxHandler func(channel int, payload []byte)

type Bridge struct {
	bus    Bus
	format string
	logger *log.Logger

	incomingSubject  string
	outgoingSubject  string
	telemetrySubject string

	sub *nats.Subscription
}

// Connect opens a NATS connection that keeps reconnecting in the background.
func Connect(url string, logger *log.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("lora-gateway"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	)
}

func New(bus Bus, subjectPrefix string, format string, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.Default()
	}

	return &Bridge{
		bus:              bus,
		format:           format,
		logger:           logger,
		incomingSubject:  subjectPrefix + ".in.frame",
		outgoingSubject:  subjectPrefix + ".out.frame",
		telemetrySubject: subjectPrefix + ".in.telemetry",
	}
}

// Start subscribes to frames to transmit. Frames for channels outside
// [0, channels) are dropped.
func (b *Bridge) Start(channels int, onTx TxHandler) error {
	sub, err := b.bus.Subscribe(b.outgoingSubject, func(msg *nats.Msg) {
		var frame OutgoingFrame

		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			b.logger.Warn("Invalid outgoing frame", "err", err)
			return
		}

		if frame.Channel < 0 || frame.Channel >= channels {
			b.logger.Warn("Outgoing frame for unknown channel", "channel", frame.Channel)
			return
		}

		if len(frame.Data) == 0 {
			return
		}

		onTx(frame.Channel, frame.Data)
	})

	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", b.outgoingSubject, err)
	}

	b.sub = sub

	b.logger.With("subject", b.outgoingSubject).Info("Started NATS bridge")

	return nil
}

func (b *Bridge) Stop() error {
	if b.sub == nil {
		return nil
	}

	err := b.sub.Unsubscribe()
	b.sub = nil

	return err
}

func (b *Bridge) PublishFrame(channel int, data []byte, rssi int16, snr int8) error {
	msg, err := json.Marshal(IncomingFrame{
		Channel: channel,
		Data:    data,
		RSSI:    rssi,
		SNR:     snr,
		Time:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	return b.bus.Publish(b.incomingSubject, msg)
}

func (b *Bridge) PublishTelemetry(t *Telemetry) error {
	msg, err := encodeTelemetry(t, b.format)
	if err != nil {
		return err
	}

	return b.bus.Publish(b.telemetrySubject, msg)
}

// encodeTelemetry returns JSON, or the same document as a
// google.protobuf.Struct.
func encodeTelemetry(t *Telemetry, format string) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatJSON, "":
		return data, nil
	case FormatProtobuf:
	default:
		return nil, fmt.Errorf("unknown telemetry format '%s'", format)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}

	return proto.Marshal(s)
}

// DecodeTelemetry is the inverse of the telemetry encoding.
func DecodeTelemetry(data []byte, format string) (*Telemetry, error) {
	switch format {
	case FormatJSON, "":
	case FormatProtobuf:
		s := &structpb.Struct{}
		if err := proto.Unmarshal(data, s); err != nil {
			return nil, err
		}

		var err error
		if data, err = s.MarshalJSON(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown telemetry format '%s'", format)
	}

	t := &Telemetry{}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, err
	}

	return t, nil
}

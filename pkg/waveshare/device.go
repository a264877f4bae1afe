package waveshare

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Archie3d/waveshare-lora-gateway/pkg/radio"
	"github.com/Archie3d/waveshare-lora-gateway/pkg/types"
	"github.com/charmbracelet/log"
	"go.bug.st/serial"
)

const (
	DefaultBaudRate       = 115200
	DefaultRequestTimeout = 500 * time.Millisecond

	readTimeout       = time.Second
	transmitTimeoutMs = 3000

	// Requests waiting for the worker
	requestQueueSize = 16

	// Low data rate optimization is required above this symbol time
	lowDataRateSymbolTime = 16 * time.Millisecond
)

// Opener opens the byte stream connected to the dongle.
type Opener func() (io.ReadWriteCloser, error)

func SerialOpener(portName string, baudRate int) Opener {
	return func() (io.ReadWriteCloser, error) {
		mode := &serial.Mode{
			BaudRate: baudRate,
			Parity:   serial.NoParity,
			DataBits: 8,
			StopBits: serial.OneStopBit,
		}

		port, err := serial.Open(portName, mode)
		if err != nil {
			return nil, err
		}

		if err := port.SetReadTimeout(readTimeout); err != nil {
			port.Close()
			return nil, err
		}

		return port, nil
	}
}

type operation int32

const (
	opNone operation = iota
	opTx
	opRx
)

type message interface {
	Request
	Response
}

/*
Device drives a Waveshare USB LoRa dongle and implements radio.Transceiver.

Requests are answered by the dongle with a response of the same type. The
transceiver methods only queue their requests; a worker goroutine sends
them one at a time and waits for the answers, so the caller never waits
for the dongle. The outcome of Init is reported to the event sink with
EventInitDone or EventInitFailed, a failed Send with EventTxTimeout.
Transmit and receive completions arrive later as unsolicited messages and
are forwarded to the event sink from the reader goroutine.

The port is opened on Init and dropped when reading from it fails, so a
dongle that is unplugged and plugged back in is picked up by the next Init.
*/
type Device struct {
	name           string
	open           Opener
	sink           radio.EventSink
	logger         *log.Logger
	requestTimeout time.Duration

	mu     sync.Mutex
	port   io.ReadWriteCloser
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup

	jobs    chan func()
	workers sync.WaitGroup

	// One request in flight at a time
	reqMu     sync.Mutex
	responses chan *Frame

	pending     atomic.Int32
	lastRSSI    atomic.Int32
	instantRSSI atomic.Int32
	hasRSSI     atomic.Bool
	rssiQueued  atomic.Bool
	timeOnAirMs atomic.Uint64
	version     atomic.Pointer[Version]
}

func New(name string, open Opener, sink radio.EventSink, logger *log.Logger) *Device {
	if logger == nil {
		logger = log.Default()
	}

	d := &Device{
		name:           name,
		open:           open,
		sink:           sink,
		logger:         logger.With("device", name),
		requestTimeout: DefaultRequestTimeout,
		jobs:           make(chan func(), requestQueueSize),
		responses:      make(chan *Frame, 4),
	}

	d.workers.Go(d.work)

	return d
}

// Open creates a device on a serial port. The port itself is opened on Init.
func Open(portName string, baudRate int, sink radio.EventSink, logger *log.Logger) *Device {
	return New(portName, SerialOpener(portName, baudRate), sink, logger)
}

func (d *Device) SetRequestTimeout(timeout time.Duration) {
	d.requestTimeout = timeout
}

func (d *Device) Name() string {
	return d.name
}

// Version reported by the dongle on the last successful Init.
func (d *Device) Version() (Version, bool) {
	v := d.version.Load()
	if v == nil {
		return Version{}, false
	}
	return *v, true
}

// LastRSSI returns the latest continuous RSSI report.
func (d *Device) LastRSSI() int16 {
	return int16(d.lastRSSI.Load())
}

// TimeOnAir returns the accumulated transmission time.
func (d *Device) TimeOnAir() time.Duration {
	return time.Duration(d.timeOnAirMs.Load()) * time.Millisecond
}

func (d *Device) connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port != nil {
		return nil
	}

	port, err := d.open()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", radio.ErrNoRadio, d.name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.port = port
	d.cancel = cancel

	d.wg.Go(func() {
		d.readLoop(ctx, port)
	})

	return nil
}

func (d *Device) disconnect(port io.ReadWriteCloser) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port != port {
		return
	}

	d.cancel()
	port.Close()
	d.port = nil
}

// Close stops accepting requests, waits for the queued ones to be sent,
// then releases the port and stops the reader goroutine.
func (d *Device) Close() error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	d.workers.Wait()

	d.mu.Lock()
	port := d.port
	if port != nil {
		d.cancel()
		d.port = nil
	}
	d.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}

	d.wg.Wait()

	return err
}

func (d *Device) work() {
	for job := range d.jobs {
		job()
	}
}

// post queues job for the worker. Fails when the queue is full or the
// device is closed.
func (d *Device) post(op string, job func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("%w: %s is closed", radio.ErrNoRadio, d.name)
	}

	select {
	case d.jobs <- job:
		return nil
	default:
		return &types.BusyError{Op: d.name + " " + op}
	}
}

func (d *Device) readLoop(ctx context.Context, port io.ReadWriteCloser) {
	fr := newFrameReader(port)

	for {
		f, err := fr.ReadFrame()

		if ctx.Err() != nil {
			return
		}

		if err != nil {
			var timeout *types.TimeoutError
			switch {
			case errors.As(err, &timeout):
				continue
			case errors.Is(err, ErrCrcMismatch),
				errors.Is(err, ErrFrameInterrupt),
				errors.Is(err, ErrInvalidEscape):
				d.logger.Warn("Frame dropped", "err", err)
				continue
			}

			d.logger.Error("Reading from device failed", "err", err)
			d.disconnect(port)
			return
		}

		d.handleFrame(f)
	}
}

func (d *Device) handleFrame(f *Frame) {
	switch f.Type {
	case msgTimeout:
		ev := radio.EventRxTimeout
		if operation(d.pending.Swap(int32(opNone))) == opTx {
			ev = radio.EventTxTimeout
		}
		d.sink.Notify(radio.Event{Type: ev})

	case msgPacketReceived:
		var packet PacketReceived
		if err := packet.Decode(f); err != nil {
			d.logger.Warn("Invalid packet", "err", err)
			d.sink.Notify(radio.Event{Type: radio.EventRxError})
			return
		}

		d.sink.Notify(radio.Event{
			Type:    radio.EventRxDone,
			Payload: packet.Data,
			RSSI:    int16(packet.PacketRSSI),
			SNR:     packet.PacketSNR,
		})

	case msgPacketTransmitted:
		var transmitted PacketTransmitted
		if err := transmitted.Decode(f); err == nil {
			d.timeOnAirMs.Add(uint64(transmitted.TimeOnAirMs))
		}

		d.pending.Store(int32(opNone))
		d.sink.Notify(radio.Event{Type: radio.EventTxDone})

	case msgContinuousRSSI:
		var rssi ContinuousRSSI
		if err := rssi.Decode(f); err == nil {
			d.lastRSSI.Store(int32(rssi.DBm))
		}

	case msgLogging:
		d.logger.Debug("Device log", "msg", string(f.Payload))

	default:
		if f.Type&responseFlag == 0 {
			d.logger.Warn("Unknown message", "type", fmt.Sprintf("0x%02X", f.Type))
			return
		}

		select {
		case d.responses <- f:
		default:
			d.logger.Warn("Response dropped", "type", fmt.Sprintf("0x%02X", f.Type))
		}
	}
}

// request sends msg and decodes the matching response back into it.
func (d *Device) request(msg message) error {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()

	d.mu.Lock()
	port := d.port
	d.mu.Unlock()

	if port == nil {
		return fmt.Errorf("%w: %s is not connected", radio.ErrNoRadio, d.name)
	}

	// Late responses to requests that timed out
	for drained := false; !drained; {
		select {
		case <-d.responses:
		default:
			drained = true
		}
	}

	frame := msg.Frame()
	if _, err := port.Write(frame.Encode()); err != nil {
		return fmt.Errorf("%s: %w", d.name, err)
	}

	expected := frame.Type | responseFlag

	timer := time.NewTimer(d.requestTimeout)
	defer timer.Stop()

	for {
		select {
		case f := <-d.responses:
			if f.Type != expected {
				d.logger.Warn("Unexpected response", "type", fmt.Sprintf("0x%02X", f.Type))
				continue
			}
			return msg.Decode(f)

		case <-timer.C:
			return &types.TimeoutError{Op: fmt.Sprintf("%s request 0x%02X", d.name, frame.Type)}
		}
	}
}

func bandwidthCode(code uint8) (byte, bool) {
	switch code {
	case radio.Bandwidth62k5:
		return bw62k5, true
	case radio.Bandwidth125k:
		return bw125k, true
	case radio.Bandwidth250k:
		return bw250k, true
	case radio.Bandwidth500k:
		return bw500k, true
	}

	return 0, false
}

func lowDataRate(sf uint8, bwHz uint32) bool {
	if bwHz == 0 {
		return false
	}

	symbol := time.Duration(1<<sf) * time.Second / time.Duration(bwHz)
	return symbol > lowDataRateSymbolTime
}

//------------------------------------------------------------------------------
// radio.Transceiver

// Init queues the initialization of the dongle and returns
// radio.ErrInProgress.
func (d *Device) Init(cfg radio.Config) error {
	if _, ok := bandwidthCode(cfg.Bandwidth); !ok {
		return fmt.Errorf("%s: unsupported bandwidth code %d", d.name, cfg.Bandwidth)
	}

	err := d.post("init", func() {
		if err := d.initialize(cfg); err != nil {
			d.sink.Notify(radio.Event{Type: radio.EventInitFailed, Err: err})
			return
		}
		d.sink.Notify(radio.Event{Type: radio.EventInitDone})
	})
	if err != nil {
		return err
	}

	return radio.ErrInProgress
}

func (d *Device) initialize(cfg radio.Config) error {
	if err := d.connect(); err != nil {
		return err
	}

	version := &Version{}
	if err := d.request(version); err != nil {
		var timeout *types.TimeoutError
		if errors.As(err, &timeout) {
			return fmt.Errorf("%w: %s does not answer", radio.ErrNoRadio, d.name)
		}
		return err
	}
	d.version.Store(version)

	bw, _ := bandwidthCode(cfg.Bandwidth)

	requests := []message{
		&Standby{Mode: standbyRC},
		&FallbackMode{Mode: fallbackStandbyRC},
		&TxParams{
			DutyCycle: 0x02,
			HpMax:     0x02,
			Power:     byte(cfg.Power),
			RampTime:  rampTime200us,
		},
		&LoRaParams{
			SpreadingFactor: cfg.SpreadingFactor,
			Bandwidth:       bw,
			CodingRate:      cfg.CodingRate,
			LowDataRate:     lowDataRate(cfg.SpreadingFactor, radio.BandwidthHz(cfg.Bandwidth)),
		},
		&PacketParams{
			PreambleLength: cfg.PreambleLength,
			ImplicitHeader: cfg.FixedLength,
			SyncWord:       privateSyncWord,
			CrcOn:          cfg.CrcEnable,
			InvertIQ:       cfg.IqInversion,
		},
		&Frequency{Hz: cfg.Frequency},
	}

	for _, req := range requests {
		if err := d.request(req); err != nil {
			return fmt.Errorf("initializing %s: %w", d.name, err)
		}
	}

	if cfg.FreqHopping {
		d.logger.Warn("Frequency hopping is not supported by the device")
	}

	d.logger.Debug("Device initialized", "version", version.String())

	return nil
}

// Send queues a transmission. A request the dongle refuses or does not
// answer is reported as radio.EventTxTimeout.
func (d *Device) Send(payload []byte) error {
	data := append([]byte(nil), payload...)

	return d.post("transmit", func() {
		if err := d.transmit(data); err != nil {
			d.logger.Warn("Transmit request failed", "err", err)
			d.sink.Notify(radio.Event{Type: radio.EventTxTimeout, Err: err})
		}
	})
}

func (d *Device) transmit(payload []byte) error {
	tx := &Transmit{TimeoutMs: transmitTimeoutMs, Data: payload}

	d.pending.Store(int32(opTx))

	if err := d.request(tx); err != nil {
		d.pending.Store(int32(opNone))
		return err
	}

	if tx.Busy {
		d.pending.Store(int32(opNone))
		return &types.BusyError{Op: d.name + " transmit"}
	}

	return nil
}

func (d *Device) Receive(timeout time.Duration) error {
	return d.post("receive", func() {
		d.pending.Store(int32(opRx))

		if err := d.request(&StartRx{TimeoutMs: uint32(timeout / time.Millisecond)}); err != nil {
			d.pending.Store(int32(opNone))
			d.logger.Warn("Receive request failed", "err", err)
		}
	})
}

// Sleep puts the dongle into its lowest power standby mode, the protocol
// has no real sleep.
func (d *Device) Sleep() error {
	return d.standby("sleep", standbyRC)
}

func (d *Device) Standby() error {
	return d.standby("standby", standbyXOSC)
}

func (d *Device) standby(op string, mode byte) error {
	return d.post(op, func() {
		d.pending.Store(int32(opNone))

		if err := d.request(&Standby{Mode: mode}); err != nil {
			d.logger.Warn("Standby request failed", "mode", mode, "err", err)
		}
	})
}

// RSSI returns the latest instantaneous RSSI reading and queues a new one.
// An error is returned until the dongle has answered a first time.
func (d *Device) RSSI() (int16, error) {
	if !d.rssiQueued.Swap(true) {
		err := d.post("rssi", func() {
			defer d.rssiQueued.Store(false)

			rssi := &InstantRSSI{}
			if err := d.request(rssi); err != nil {
				d.logger.Debug("RSSI request failed", "err", err)
				return
			}

			d.instantRSSI.Store(int32(rssi.DBm))
			d.hasRSSI.Store(true)
		})
		if err != nil {
			d.rssiQueued.Store(false)
		}
	}

	if !d.hasRSSI.Load() {
		return 0, fmt.Errorf("%s: no RSSI reading yet", d.name)
	}

	return int16(d.instantRSSI.Load()), nil
}

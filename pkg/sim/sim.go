// Package sim implements radio.Transceiver without hardware. Simulated
// radios share an Air: a frame sent by one radio is received by every other
// radio that is listening with the same frequency, bandwidth and spreading
// factor.
package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/Archie3d/waveshare-lora-gateway/pkg/radio"
)

const (
	DefaultAirTime = 20 * time.Millisecond
	DefaultRSSI    = -60
	DefaultSNR     = 8
)

type mode int

const (
	modeIdle mode = iota
	modeTx
	modeRx
)

type Air struct {
	mu      sync.Mutex
	radios  []*Radio
	airTime time.Duration
	rssi    int16
	snr     int8
}

func NewAir() *Air {
	return &Air{
		airTime: DefaultAirTime,
		rssi:    DefaultRSSI,
		snr:     DefaultSNR,
	}
}

// SetAirTime sets how long a transmission takes.
func (a *Air) SetAirTime(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.airTime = d
}

// SetLink sets the signal quality reported with every received frame.
func (a *Air) SetLink(rssi int16, snr int8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rssi = rssi
	a.snr = snr
}

func (a *Air) NewRadio(sink radio.EventSink) *Radio {
	r := &Radio{
		air:     a,
		sink:    sink,
		present: true,
	}

	a.mu.Lock()
	a.radios = append(a.radios, r)
	a.mu.Unlock()

	return r
}

func (a *Air) transmit(from *Radio, cfg radio.Config, payload []byte) {
	a.mu.Lock()
	receivers := make([]*Radio, 0, len(a.radios))
	for _, r := range a.radios {
		if r != from {
			receivers = append(receivers, r)
		}
	}
	rssi, snr := a.rssi, a.snr
	a.mu.Unlock()

	for _, r := range receivers {
		r.receive(cfg, payload, rssi, snr)
	}
}

//------------------------------------------------------------------------------

type Radio struct {
	air  *Air
	sink radio.EventSink

	mu          sync.Mutex
	cfg         radio.Config
	present     bool
	initialized bool
	mode        mode
	// Invalidates timers armed for an earlier operation
	seq   uint64
	timer *time.Timer
	sent  [][]byte
}

// SetPresent simulates plugging the radio in or out.
func (r *Radio) SetPresent(present bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.present = present
	if !present {
		r.initialized = false
		r.setMode(modeIdle)
	}
}

// Sent returns copies of every transmitted frame.
func (r *Radio) Sent() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([][]byte, len(r.sent))
	for i, p := range r.sent {
		out[i] = append([]byte(nil), p...)
	}
	return out
}

func (r *Radio) Receiving() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode == modeRx
}

// Inject delivers payload as if it came over the air. Returns false if the
// radio is not receiving.
func (r *Radio) Inject(payload []byte) bool {
	r.air.mu.Lock()
	rssi, snr := r.air.rssi, r.air.snr
	r.air.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode != modeRx {
		return false
	}

	r.sink.Notify(radio.Event{
		Type:    radio.EventRxDone,
		Payload: append([]byte(nil), payload...),
		RSSI:    rssi,
		SNR:     snr,
	})

	return true
}

// InjectError reports a corrupted frame to a receiving radio.
func (r *Radio) InjectError() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode != modeRx {
		return false
	}

	r.sink.Notify(radio.Event{Type: radio.EventRxError})

	return true
}

// setMode must be called with mu held.
func (r *Radio) setMode(m mode) {
	r.mode = m
	r.seq++

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Radio) check() error {
	if !r.present {
		return radio.ErrNoRadio
	}

	if !r.initialized {
		return fmt.Errorf("simulated radio is not initialized")
	}

	return nil
}

// after switches to next and calls fn once d has elapsed, unless the mode
// was changed in the meantime. fn is called without mu held.
func (r *Radio) after(d time.Duration, next mode, fn func()) {
	seq := r.seq

	r.timer = time.AfterFunc(d, func() {
		r.mu.Lock()
		if r.seq != seq {
			r.mu.Unlock()
			return
		}
		r.timer = nil
		r.mode = next
		r.mu.Unlock()

		fn()
	})
}

func (r *Radio) receive(cfg radio.Config, payload []byte, rssi int16, snr int8) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode != modeRx {
		return
	}

	if r.cfg.Frequency != cfg.Frequency ||
		r.cfg.Bandwidth != cfg.Bandwidth ||
		r.cfg.SpreadingFactor != cfg.SpreadingFactor {
		return
	}

	// A received frame cancels the receive timeout
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
		r.seq++
	}

	r.sink.Notify(radio.Event{
		Type:    radio.EventRxDone,
		Payload: append([]byte(nil), payload...),
		RSSI:    rssi,
		SNR:     snr,
	})
}

//------------------------------------------------------------------------------
// radio.Transceiver

func (r *Radio) Init(cfg radio.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.present {
		return radio.ErrNoRadio
	}

	r.cfg = cfg
	r.initialized = true
	r.setMode(modeIdle)

	return nil
}

func (r *Radio) Send(payload []byte) error {
	r.air.mu.Lock()
	airTime := r.air.airTime
	r.air.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check(); err != nil {
		return err
	}

	data := append([]byte(nil), payload...)
	r.sent = append(r.sent, data)
	cfg := r.cfg

	r.setMode(modeTx)
	r.after(airTime, modeIdle, func() {
		r.air.transmit(r, cfg, data)
		r.sink.Notify(radio.Event{Type: radio.EventTxDone})
	})

	return nil
}

func (r *Radio) Receive(timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check(); err != nil {
		return err
	}

	r.setMode(modeRx)

	if timeout > 0 {
		r.after(timeout, modeIdle, func() {
			r.sink.Notify(radio.Event{Type: radio.EventRxTimeout})
		})
	}

	return nil
}

func (r *Radio) Sleep() error {
	return r.Standby()
}

func (r *Radio) Standby() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check(); err != nil {
		return err
	}

	r.setMode(modeIdle)

	return nil
}

func (r *Radio) RSSI() (int16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check(); err != nil {
		return 0, err
	}

	// Noise floor
	return -120, nil
}

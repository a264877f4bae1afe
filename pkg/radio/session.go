package radio

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/Archie3d/waveshare-lora-gateway/pkg/ringbuffer"
	"github.com/charmbracelet/log"
)

const (
	TxBufferSize = 32
	RxBufferSize = 32

	eventQueueSize = 16

	createRetryDelay  = 100 * time.Millisecond
	noRadioRetryDelay = 500 * time.Millisecond
)

type State int

const (
	StateUninitialized State = iota
	StateIdle
	StateLowPower
	StateTxDone
	StateTxTimeout
	StateRxDone
	StateRxTimeout
	StateRxError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateIdle:
		return "idle"
	case StateLowPower:
		return "low-power"
	case StateTxDone:
		return "tx-done"
	case StateTxTimeout:
		return "tx-timeout"
	case StateRxDone:
		return "rx-done"
	case StateRxTimeout:
		return "rx-timeout"
	case StateRxError:
		return "rx-error"
	}

	return "unknown"
}

type RxStatus uint8

const (
	RxStatusOK RxStatus = iota
	RxStatusTimeout
	RxStatusCRC
)

// Listener identifies a consumer of received messages.
type Listener uint8

const (
	ListenerApp Listener = 1 << iota
	ListenerHost
	ListenerBus
)

type Stats struct {
	State         State
	RxStatus      RxStatus
	RxCount       uint16
	RxErrCount    uint16
	LostCount     uint32
	DroppedEvents uint32
	RSSI          int16
	SNR           int8
}

/*
Session runs the state machine of one radio channel.

Everything except Notify must be called from the goroutine that owns the
session (the gateway event loop). Transceiver completions reach the
session through Notify, which only queues them; they take effect on the
next Poll.

Received messages are held in a single slot that is shared by all
registered listeners. The slot is freed once every listener has released
it. While it is occupied new messages are dropped and counted as lost.
*/
type Session struct {
	channel int
	config  Config
	xcvr    Transceiver

	logger  *log.Logger
	replies io.Writer
	clock   func() time.Time
	wakeup  func()

	state State
	tx    *ringbuffer.RingBuffer[byte]

	rx     [RxBufferSize]byte
	rxLen  int
	rxFull bool

	registered Listener
	listeners  Listener

	rxStatus    RxStatus
	rxCount     uint16
	rxErrCount  uint16
	lostCount   uint32
	messageLost bool
	rssi        int16
	snr         int8

	dirty           bool
	initializing    bool
	initialized     bool
	present         bool
	noRadioReported bool
	retryAt         time.Time
	generation      uint32

	events        chan Event
	droppedEvents atomic.Uint32
}

func NewSession(channel int, config Config, opts ...Option) *Session {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Session{
		channel: channel,
		config:  config,
		logger:  o.logger.With("channel", channel),
		replies: o.replies,
		clock:   o.clock,
		wakeup:  o.wakeup,
		state:   StateUninitialized,
		tx:      ringbuffer.New[byte](TxBufferSize),
		events:  make(chan Event, eventQueueSize),
	}
}

// Attach sets the transceiver driven by the session and forces
// initialization on the next Poll.
func (s *Session) Attach(xcvr Transceiver) {
	s.xcvr = xcvr
	s.initializing = false
	s.initialized = false
	s.present = false
	s.retryAt = time.Time{}
}

func (s *Session) Channel() int {
	return s.channel
}

func (s *Session) State() State {
	return s.state
}

func (s *Session) Config() Config {
	return s.config
}

// Update applies fn to a copy of the configuration. The session is only
// marked for re-initialization when the configuration actually changed.
func (s *Session) Update(fn func(cfg *Config)) bool {
	cfg := s.config
	fn(&cfg)

	if cfg == s.config {
		return false
	}

	s.config = cfg
	s.dirty = true

	return true
}

func (s *Session) MarkDirty() {
	s.dirty = true
}

func (s *Session) IsDirty() bool {
	return s.dirty
}

// Present reports whether the transceiver has answered the last
// initialization attempt.
func (s *Session) Present() bool {
	return s.present
}

func (s *Session) Initialized() bool {
	return s.initialized
}

// Initializing reports whether the transceiver is still working on an
// initialization that it completes in the background.
func (s *Session) Initializing() bool {
	return s.initializing
}

// Generation is incremented on every successful initialization of the
// transceiver.
func (s *Session) Generation() uint32 {
	return s.generation
}

// Enqueue adds payload to the transmit buffer, all of it or nothing.
func (s *Session) Enqueue(payload []byte) bool {
	return s.tx.PutSlice(payload)
}

func (s *Session) TxFree() int {
	return s.tx.Free()
}

// Receive arms the transceiver with the configured receive timeout.
func (s *Session) Receive() error {
	if s.xcvr == nil || !s.initialized {
		return fmt.Errorf("radio %d is not initialized", s.channel)
	}

	s.state = StateIdle

	return s.xcvr.Receive(s.config.RxTimeout)
}

// Sleep puts the transceiver into its lowest power mode.
func (s *Session) Sleep() error {
	if s.xcvr == nil || !s.initialized {
		return fmt.Errorf("radio %d is not initialized", s.channel)
	}

	s.state = StateIdle

	return s.xcvr.Sleep()
}

// InstantRSSI asks the transceiver for the current channel RSSI, the noise
// floor while nothing is being received.
func (s *Session) InstantRSSI() (int16, error) {
	if s.xcvr == nil || !s.initialized {
		return 0, fmt.Errorf("radio %d is not initialized", s.channel)
	}

	return s.xcvr.RSSI()
}

// RSSI of the last received message.
func (s *Session) RSSI() int16 {
	return s.rssi
}

func (s *Session) SNR() int8 {
	return s.snr
}

func (s *Session) Stats() Stats {
	return Stats{
		State:         s.state,
		RxStatus:      s.rxStatus,
		RxCount:       s.rxCount,
		RxErrCount:    s.rxErrCount,
		LostCount:     s.lostCount,
		DroppedEvents: s.droppedEvents.Load(),
		RSSI:          s.rssi,
		SNR:           s.snr,
	}
}

/*
Reset returns the session to its state after power-up: pending transmit
data, the received message and every counter are discarded and the
transceiver is initialized again on the next Poll. Registered listeners
and the configuration are kept.
*/
func (s *Session) Reset() {
	s.tx.Reset()

	s.rxLen = 0
	s.rxFull = false
	s.listeners = 0

	s.rxStatus = RxStatusOK
	s.rxCount = 0
	s.rxErrCount = 0
	s.lostCount = 0
	s.messageLost = false
	s.rssi = 0
	s.snr = 0
	s.droppedEvents.Store(0)

	// Completions of earlier operations are stale, apart from the outcome
	// of an initialization still in progress
	for drained := false; !drained; {
		select {
		case ev := <-s.events:
			if ev.Type == EventInitDone || ev.Type == EventInitFailed {
				s.finishInit(ev)
			}
		default:
			drained = true
		}
	}

	s.state = StateUninitialized
	s.initialized = false
	s.dirty = true
}

// TakeMessageLost reports whether a message was lost since the last call.
func (s *Session) TakeMessageLost() bool {
	lost := s.messageLost
	s.messageLost = false
	return lost
}

//------------------------------------------------------------------------------

// Register adds l to the listeners that every received message is handed to.
func (s *Session) Register(l Listener) {
	s.registered |= l
}

func (s *Session) Pending(l Listener) bool {
	return s.listeners&l != 0
}

// Received returns the message held for l. The returned slice is only
// valid until l releases it.
func (s *Session) Received(l Listener) ([]byte, bool) {
	if !s.Pending(l) {
		return nil, false
	}

	return s.rx[:s.rxLen], true
}

// Release marks the message as processed by l.
func (s *Session) Release(l Listener) {
	s.listeners &^= l

	if s.listeners == 0 {
		s.rxFull = false
		s.rxLen = 0
	}
}

//------------------------------------------------------------------------------

// Notify queues a transceiver completion. Safe to call from any goroutine.
func (s *Session) Notify(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.droppedEvents.Add(1)
	}

	s.wakeup()
}

// Poll advances the session: re-initializes the transceiver if needed,
// applies queued completions and starts a transmission if data is waiting.
// A configuration change made while an initialization is in progress is
// applied once that initialization has completed.
func (s *Session) Poll() {
	if s.dirty && !s.initializing {
		s.dirty = false
		s.initialized = false
	}

	if !s.initialized && !s.initializing {
		s.initialize()
	}

	for drained := false; !drained; {
		select {
		case ev := <-s.events:
			s.HandleEvent(ev)
		default:
			drained = true
		}
	}

	s.step()
}

// HandleEvent applies a completion and processes the resulting state
// right away, so a burst of completions never overwrites an unprocessed
// terminal state.
func (s *Session) HandleEvent(ev Event) {
	s.logger.Debug("Radio event", "event", ev.Type)

	switch ev.Type {
	case EventInitDone, EventInitFailed:
		s.finishInit(ev)

	case EventTxDone:
		s.sleep()
		s.state = StateTxDone

	case EventTxTimeout:
		if errors.Is(ev.Err, ErrNoRadio) {
			s.logger.Error("Transmit failed", "err", ev.Err)
			s.initialized = false
		} else {
			s.sleep()
		}
		s.state = StateTxTimeout

	case EventRxDone:
		if s.config.RxMode != RxModeContinuous {
			s.standby()
		}

		if s.rxFull {
			s.messageLost = true
			s.lostCount++
			break
		}

		s.rxStatus = RxStatusOK
		s.rssi = ev.RSSI
		s.snr = ev.SNR
		s.rxLen = copy(s.rx[:], ev.Payload)
		s.rxFull = true
		s.state = StateRxDone

	case EventRxTimeout:
		if s.config.RxMode != RxModeContinuous {
			s.sleep()
		}
		s.state = StateRxTimeout

	case EventRxError:
		if s.config.RxMode != RxModeContinuous {
			s.sleep()
		}
		s.state = StateRxError
	}

	s.step()
}

func (s *Session) initialize() {
	now := s.clock()

	if now.Before(s.retryAt) {
		return
	}

	if s.xcvr == nil {
		s.retryAt = now.Add(createRetryDelay)
		return
	}

	err := s.xcvr.Init(s.config)

	switch {
	case errors.Is(err, ErrInProgress):
		s.initializing = true
	case err != nil:
		s.initFailed(err)
	default:
		s.initDone()
	}
}

// finishInit applies the outcome of a background initialization.
func (s *Session) finishInit(ev Event) {
	if !s.initializing {
		return
	}
	s.initializing = false

	if ev.Type == EventInitFailed {
		s.initFailed(ev.Err)
		return
	}

	// Superseded by a newer configuration, Poll starts over
	if s.dirty {
		return
	}

	s.initDone()
}

func (s *Session) initFailed(err error) {
	now := s.clock()

	if errors.Is(err, ErrNoRadio) {
		s.present = false
		if !s.noRadioReported {
			s.noRadioReported = true
			s.logger.Warn("No radio detected", "err", err)
		}
		s.retryAt = now.Add(noRadioRetryDelay)
		return
	}

	s.logger.Error("Radio initialization failed", "err", err)
	s.retryAt = now.Add(createRetryDelay)
}

func (s *Session) initDone() {
	s.logger.With(
		"frequency", s.config.Frequency,
		"bw", s.config.Bandwidth,
		"sf", s.config.SpreadingFactor,
		"power", s.config.Power,
	).Info("Radio initialized")

	s.initialized = true
	s.generation++
	s.present = true
	s.noRadioReported = false
	s.state = StateIdle
}

func (s *Session) step() {
	switch s.state {
	case StateIdle:
		if !s.initialized || s.tx.IsEmpty() {
			return
		}

		payload := make([]byte, s.tx.Available())
		for i := range payload {
			payload[i], _ = s.tx.Get()
		}

		if err := s.xcvr.Send(payload); err != nil {
			s.logger.Error("Transmit failed", "err", err)
			if errors.Is(err, ErrNoRadio) {
				s.initialized = false
			}
			s.reply("tto")
			return
		}

		// Wait for the completion
		s.state = StateLowPower

	case StateTxDone:
		s.reply("tok")
		s.state = StateIdle

		if s.config.TxMode == TxModeRxAfterTx {
			if err := s.xcvr.Receive(s.config.RxTimeout); err != nil {
				s.logger.Error("Failed to switch to receive", "err", err)
			}
		}

	case StateTxTimeout:
		s.reply("tto")
		s.state = StateIdle

	case StateRxDone:
		s.rxCount++
		s.listeners = s.registered
		if s.listeners == 0 {
			s.rxFull = false
			s.rxLen = 0
		}
		s.state = StateIdle

	case StateRxTimeout:
		s.rxStatus = RxStatusTimeout
		s.rxErrCount++
		s.reply("rto")
		s.state = StateIdle

	case StateRxError:
		s.rxStatus = RxStatusCRC
		s.rxErrCount++
		s.reply("rer")
		s.state = StateIdle
	}
}

func (s *Session) reply(code string) {
	_, err := fmt.Fprintf(s.replies, "r%d=%s;", s.channel, code)
	if err != nil {
		s.logger.Warn("Reply dropped", "reply", code, "err", err)
	}
}

func (s *Session) sleep() {
	if s.xcvr == nil {
		return
	}

	if err := s.xcvr.Sleep(); err != nil {
		s.logger.Error("Failed to put radio to sleep", "err", err)
	}
}

func (s *Session) standby() {
	if s.xcvr == nil {
		return
	}

	if err := s.xcvr.Standby(); err != nil {
		s.logger.Error("Failed to put radio to standby", "err", err)
	}
}

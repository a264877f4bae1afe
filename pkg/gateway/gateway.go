/*
Package gateway ties the radio channels, the host command stream and the
message bus together.

Every buffer and session is owned by the event loop goroutine. The host
link reader, the NATS subscription and the transceivers hand their data
over with Input, Transmit and the session wakeup, all of which only post
work to the loop.
*/
package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Archie3d/waveshare-lora-gateway/pkg/bridge"
	"github.com/Archie3d/waveshare-lora-gateway/pkg/cmdbuffer"
	"github.com/Archie3d/waveshare-lora-gateway/pkg/codec"
	"github.com/Archie3d/waveshare-lora-gateway/pkg/config"
	"github.com/Archie3d/waveshare-lora-gateway/pkg/event_loop"
	"github.com/Archie3d/waveshare-lora-gateway/pkg/pingpong"
	"github.com/Archie3d/waveshare-lora-gateway/pkg/radio"
	"github.com/charmbracelet/log"
)

const (
	InboundSize      = 256
	InboundCommands  = 16
	OutboundSize     = 256
	OutboundCommands = 16

	// Upper bound between two polls when nothing wakes the loop up
	pollInterval = 10 * time.Millisecond
)

// Sender delivers reply commands to the host. cmd excludes the terminator.
type Sender interface {
	Send(cmd []byte) bool
}

// Publisher forwards received messages and telemetry to the message bus.
type Publisher interface {
	PublishFrame(channel int, data []byte, rssi int16, snr int8) error
	PublishTelemetry(t *bridge.Telemetry) error
}

type Gateway struct {
	config *config.Config
	logger *log.Logger
	clock  func() time.Time

	eventLoop event_loop.EventLoop
	host      Sender
	bus       Publisher
	onReset   func()

	sessions []*radio.Session
	current  int

	pingPongChannel int
	pingPong        *pingpong.Protocol

	inbound  *cmdbuffer.Buffer
	outbound *cmdbuffer.Buffer

	nameBuf  [nameBufferSize]byte
	valueBuf [valueBufferSize]byte
	binBuf   [radio.TxBufferSize]byte

	started     time.Time
	wakePending atomic.Bool
	running     bool
	wg          sync.WaitGroup
}

type Option func(g *Gateway)

func WithLogger(logger *log.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Gateway) {
		g.clock = clock
	}
}

// WithHost sets where replies to the host are sent.
func WithHost(host Sender) Option {
	return func(g *Gateway) {
		g.host = host
	}
}

// WithPublisher forwards every received message and the periodic
// telemetry to the message bus.
func WithPublisher(bus Publisher) Option {
	return func(g *Gateway) {
		g.bus = bus
	}
}

// WithResetHandler sets a function called on the loop goroutine after the
// 'rst' command has restored the configured state.
func WithResetHandler(onReset func()) Option {
	return func(g *Gateway) {
		g.onReset = onReset
	}
}

// New creates a gateway for a validated configuration. Transceivers are
// attached to the sessions afterwards, before Start.
func New(cfg *config.Config, opts ...Option) *Gateway {
	g := &Gateway{
		config:    cfg,
		logger:    log.Default(),
		clock:     time.Now,
		eventLoop: event_loop.NewEventLoop(),
		inbound:   cmdbuffer.New(InboundSize, InboundCommands),
		outbound:  cmdbuffer.New(OutboundSize, OutboundCommands),
		current:   cfg.DefaultChannel,
	}

	for _, opt := range opts {
		opt(g)
	}

	g.inbound.SetReplaceCrLf(cfg.Host.ReplaceCrLf)

	for i, ch := range cfg.Channels {
		s := radio.NewSession(i, ch.Radio.Radio(),
			radio.WithLogger(g.logger),
			radio.WithReplies(g.outbound),
			radio.WithClock(g.clock),
			radio.WithWakeup(g.wakeup),
		)

		s.Register(radio.ListenerHost)
		if g.bus != nil {
			s.Register(radio.ListenerBus)
		}

		g.sessions = append(g.sessions, s)
	}

	if cfg.PingPong.Channel >= 0 && cfg.PingPong.Channel < len(g.sessions) {
		g.pingPongChannel = cfg.PingPong.Channel
	}
	g.pingPong = pingpong.New(
		g.sessions[g.pingPongChannel],
		cfg.PingPong.LocalAddress,
		cfg.PingPong.RemoteAddress,
		g.logger,
	)
	g.pingPong.SetClock(g.clock)
	g.pingPong.SetPeriod(cfg.PingPong.Period.Std())

	if role := cfg.PingPong.ParsedRole(); role != pingpong.RoleStopped {
		g.pingPong.SetRole(role)
	}

	return g
}

func (g *Gateway) Channels() int {
	return len(g.sessions)
}

// Session returns the session of a channel, also used as the event sink of
// its transceiver.
func (g *Gateway) Session(channel int) *radio.Session {
	return g.sessions[channel]
}

// Attach sets the transceiver of a channel. Must be called before Start.
func (g *Gateway) Attach(channel int, xcvr radio.Transceiver) {
	g.sessions[channel].Attach(xcvr)
}

// CurrentChannel is the channel used by commands without a channel digit.
func (g *Gateway) CurrentChannel() int {
	return g.current
}

func (g *Gateway) PingPong() *pingpong.Protocol {
	return g.pingPong
}

func (g *Gateway) Start() {
	if g.running {
		return
	}
	g.running = true
	g.started = g.clock()

	g.eventLoop.Put(g.tick)

	if g.bus != nil && g.config.Nats.TelemetryPeriod > 0 {
		g.eventLoop.PostAfter(g.telemetry, g.config.Nats.TelemetryPeriod.Std())
	}

	g.wg.Go(g.eventLoop.Run)

	g.logger.With(
		"channels", len(g.sessions),
		"default_channel", g.current,
	).Info("Gateway started")
}

func (g *Gateway) Stop() {
	if !g.running {
		return
	}
	g.running = false

	g.eventLoop.Quit()
	g.wg.Wait()

	for _, s := range g.sessions {
		g.flushRadio(s)
	}

	g.logger.Info("Gateway stopped")
}

// flushRadio leaves the transceiver idle once the loop is gone.
func (g *Gateway) flushRadio(s *radio.Session) {
	if !s.Initialized() {
		return
	}

	if err := s.Sleep(); err != nil {
		g.logger.Warn("Failed to put radio to sleep", "channel", s.Channel(), "err", err)
	}
}

// Input hands bytes received from the host over to the loop. Safe to call
// from any goroutine; data must not be modified afterwards.
func (g *Gateway) Input(data []byte) {
	g.eventLoop.Put(func(el event_loop.EventLoop) {
		g.feed(data)
		g.Poll()
	})
}

// Transmit queues payload on a channel. Safe to call from any goroutine.
func (g *Gateway) Transmit(channel int, payload []byte) {
	g.eventLoop.Put(func(el event_loop.EventLoop) {
		if channel < 0 || channel >= len(g.sessions) {
			g.logger.Warn("Transmit on unknown channel", "channel", channel)
			return
		}

		if !g.sessions[channel].Enqueue(payload) {
			g.logger.Warn("Transmit buffer full, frame dropped", "channel", channel, "size", len(payload))
			return
		}

		g.Poll()
	})
}

// wakeup is called by the sessions from the transceiver goroutines.
// Bursts of completions result in a single poll.
func (g *Gateway) wakeup() {
	if g.wakePending.Swap(true) {
		return
	}

	g.eventLoop.Put(func(el event_loop.EventLoop) {
		g.wakePending.Store(false)
		g.Poll()
	})
}

func (g *Gateway) tick(el event_loop.EventLoop) {
	g.Poll()
	el.PostAfter(g.tick, pollInterval)
}

func (g *Gateway) telemetry(el event_loop.EventLoop) {
	if err := g.bus.PublishTelemetry(g.Telemetry()); err != nil {
		g.logger.Warn("Failed to publish telemetry", "err", err)
	}

	el.PostAfter(g.telemetry, g.config.Nats.TelemetryPeriod.Std())
}

func (g *Gateway) feed(data []byte) {
	g.inbound.PutBytes(data)

	if g.inbound.CheckBufferFullError() {
		g.logger.Warn("Host command buffer overflow, command dropped")
	}
}

//------------------------------------------------------------------------------

/*
Poll runs one pass of the gateway: every queued host command is processed,
then each session is advanced and its received message handed to the
listeners in order: application, host, bus. Replies are then sent to the
host.
*/
func (g *Gateway) Poll() {
	for g.inbound.HasCommand() {
		g.Process()
	}

	for i, s := range g.sessions {
		s.Poll()

		if s.TakeMessageLost() {
			g.logger.Warn("Received message lost", "channel", i)
		}

		if i == g.pingPongChannel {
			g.pingPong.Poll()
		}

		g.forwardToHost(s)
		g.forwardToBus(s)
	}

	g.pump()
}

// forwardToHost writes "r<ch>=<hex>;" if the whole message fits into the
// outbound buffer. The message is released either way.
func (g *Gateway) forwardToHost(s *radio.Session) {
	data, ok := s.Received(radio.ListenerHost)
	if !ok {
		return
	}
	defer s.Release(radio.ListenerHost)

	if g.outbound.Free() < len(data)*2+4 {
		g.logger.Warn("No room for received message", "channel", s.Channel(), "size", len(data))
		return
	}

	out := make([]byte, 0, len(data)*2+4)
	out = append(out, 'r', byte('0'+s.Channel()), '=')
	out = codec.AppendHex(out, data)
	out = append(out, cmdbuffer.EOC)

	g.outbound.PutBytes(out)
}

func (g *Gateway) forwardToBus(s *radio.Session) {
	data, ok := s.Received(radio.ListenerBus)
	if !ok {
		return
	}
	defer s.Release(radio.ListenerBus)

	if err := g.bus.PublishFrame(s.Channel(), data, s.RSSI(), s.SNR()); err != nil {
		g.logger.Warn("Failed to publish received message", "channel", s.Channel(), "err", err)
	}
}

// pump moves every complete reply to the host.
func (g *Gateway) pump() {
	if g.outbound.CheckBufferFullError() {
		g.logger.Warn("Reply buffer overflow, reply dropped")
	}

	for g.outbound.HasCommand() {
		cmd := make([]byte, g.outbound.CommandLength())
		g.outbound.Command(cmd)
		g.outbound.RemoveCommand()

		if g.host != nil {
			g.host.Send(cmd)
		}
	}
}

// Telemetry snapshots the counters of every channel. Must be called on the
// loop goroutine.
func (g *Gateway) Telemetry() *bridge.Telemetry {
	t := &bridge.Telemetry{
		Uptime: g.clock().Sub(g.started).Seconds(),
	}

	for i, s := range g.sessions {
		stats := s.Stats()
		ch := bridge.ChannelTelemetry{
			Channel:    i,
			Present:    s.Present(),
			State:      stats.State.String(),
			RxCount:    stats.RxCount,
			RxErrCount: stats.RxErrCount,
			LostCount:  stats.LostCount,
			RSSI:       stats.RSSI,
			SNR:        stats.SNR,
			TxFree:     s.TxFree(),
		}

		if s.Initialized() {
			if rssi, err := s.InstantRSSI(); err == nil {
				ch.NoiseFloor = &rssi
			} else {
				g.logger.Debug("No RSSI reading", "channel", i, "err", err)
			}
		}

		t.Channels = append(t.Channels, ch)
	}

	if stats := g.pingPong.Stats(); stats.Role != pingpong.RoleStopped {
		t.PingPong = &bridge.PingPongTelemetry{
			Role:       stats.Role.String(),
			RxCount:    stats.RxCount,
			RxErrCount: stats.RxErrCount,
			RemoteRSSI: stats.SlaveRSSI,
		}
	}

	return t
}

// reset restores the configured state of every channel, as after a
// restart. Pending host input, queued replies, transmit data, received
// messages and counters are discarded.
func (g *Gateway) reset() {
	g.logger.Warn("Resetting gateway")

	g.inbound.Reset()
	g.outbound.Reset()
	g.current = g.config.DefaultChannel

	for i, s := range g.sessions {
		cfg := g.config.Channels[i].Radio.Radio()
		s.Update(func(c *radio.Config) { *c = cfg })
		s.Reset()
	}

	g.pingPong.SetRole(g.config.PingPong.ParsedRole())

	if g.onReset != nil {
		g.onReset()
	}
}

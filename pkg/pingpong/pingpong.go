/*
Package pingpong implements a liveness and link quality check between two
gateways.

The master sends a PING to the slave address every period. The slave
answers every PING addressed to it with a PONG that carries the RSSI it
measured. A period that ends without a PONG counts as an error.

	PING  [remote address] 'p' 'I' 'n' 'G'
	PONG  [0] 'p' 'O' 'n' 'G' [RSSI low] [RSSI high]
*/
package pingpong

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/Archie3d/waveshare-lora-gateway/pkg/radio"
	"github.com/charmbracelet/log"
)

const DefaultPeriod = 2 * time.Second

var (
	pingBody = []byte("pInG")
	pongBody = []byte("pOnG")
)

const masterAddress = 0

type Role uint8

const (
	RoleStopped Role = iota
	RoleMaster
	RoleSlave
)

func (r Role) String() string {
	switch r {
	case RoleStopped:
		return "stopped"
	case RoleMaster:
		return "master"
	case RoleSlave:
		return "slave"
	}

	return fmt.Sprintf("role(%d)", r)
}

func ParseRole(s string) (Role, error) {
	switch s {
	case "", "stopped", "0":
		return RoleStopped, nil
	case "master", "1":
		return RoleMaster, nil
	case "slave", "2":
		return RoleSlave, nil
	}

	return RoleStopped, fmt.Errorf("unknown ping-pong role '%s'", s)
}

type Stats struct {
	Role       Role
	RxCount    uint16
	RxErrCount uint16
	SlaveRSSI  int16
}

// Protocol runs on the goroutine that owns the session.
type Protocol struct {
	session *radio.Session
	logger  *log.Logger
	clock   func() time.Time

	role          Role
	localAddress  byte
	remoteAddress byte
	period        time.Duration
	nextPing      time.Time
	armed         uint32

	rxCount    uint16
	rxErrCount uint16
	oldRxCount uint16
	slaveRSSI  int16
}

func New(session *radio.Session, localAddress, remoteAddress byte, logger *log.Logger) *Protocol {
	if logger == nil {
		logger = log.Default()
	}

	session.Register(radio.ListenerApp)

	return &Protocol{
		session:       session,
		logger:        logger.With("app", "ping-pong"),
		clock:         time.Now,
		localAddress:  localAddress,
		remoteAddress: remoteAddress,
		period:        DefaultPeriod,
	}
}

// SetClock replaces time.Now, mostly for tests.
func (p *Protocol) SetClock(clock func() time.Time) {
	p.clock = clock
}

func (p *Protocol) SetPeriod(period time.Duration) {
	p.period = period
}

func (p *Protocol) Role() Role {
	return p.role
}

/*
SetRole changes the role of this gateway.

Taking the master or slave role restores the default radio settings
(frequency, bandwidth and spreading factor excepted), switches the radio to
receive after every transmission with no receive timeout and clears the
counters.
*/
func (p *Protocol) SetRole(role Role) {
	p.role = role

	if role == RoleMaster || role == RoleSlave {
		p.session.Update(func(cfg *radio.Config) {
			defaults := radio.DefaultConfig()

			cfg.Power = defaults.Power
			cfg.PreambleLength = defaults.PreambleLength
			cfg.SymbolTimeout = defaults.SymbolTimeout
			cfg.HopPeriod = defaults.HopPeriod
			cfg.RxMode = radio.RxModeContinuous
			cfg.CodingRate = defaults.CodingRate
			cfg.FixedLength = defaults.FixedLength
			cfg.FreqHopping = defaults.FreqHopping
			cfg.IqInversion = defaults.IqInversion
			cfg.CrcEnable = defaults.CrcEnable

			cfg.TxMode = radio.TxModeRxAfterTx
			cfg.RxTimeout = 0
		})

		p.rxCount = 0
		p.rxErrCount = 0
		// Never equal to rxCount, so the first period is not a miss
		p.oldRxCount = 0xFFFF
		p.nextPing = p.clock()
	}

	p.armed = 0
	p.session.MarkDirty()

	p.logger.Info("Role changed", "role", role)
}

func (p *Protocol) Stats() Stats {
	return Stats{
		Role:       p.role,
		RxCount:    p.rxCount,
		RxErrCount: p.rxErrCount,
		SlaveRSSI:  p.slaveRSSI,
	}
}

// Poll sends the periodic PING in master role and processes the message
// held for the application listener.
func (p *Protocol) Poll() {
	p.processReceived()

	switch p.role {
	case RoleMaster:
		now := p.clock()
		if now.Before(p.nextPing) {
			break
		}
		p.nextPing = now.Add(p.period)

		if p.oldRxCount == p.rxCount {
			p.rxErrCount++
			p.logger.Debug("Missed round trip", "errors", p.rxErrCount)
		}
		p.oldRxCount = p.rxCount

		ping := append([]byte{p.remoteAddress}, pingBody...)
		if !p.session.Enqueue(ping) {
			p.logger.Warn("Transmit buffer full, PING not sent")
		}

	case RoleSlave:
		// The slave only listens, arm the receiver once per initialization
		if p.session.Initialized() && p.armed != p.session.Generation() {
			if err := p.session.Receive(); err != nil {
				p.logger.Error("Failed to start receiving", "err", err)
				break
			}
			p.armed = p.session.Generation()
		}
	}
}

func (p *Protocol) processReceived() {
	data, ok := p.session.Received(radio.ListenerApp)
	if !ok {
		return
	}
	defer p.session.Release(radio.ListenerApp)

	switch p.role {
	case RoleMaster:
		if len(data) < 7 || data[0] != masterAddress {
			p.logger.Debug("Message not addressed to master")
			return
		}

		if !bytes.Equal(data[1:5], pongBody) {
			return
		}

		p.slaveRSSI = int16(binary.LittleEndian.Uint16(data[5:7]))
		p.rxCount++

		p.logger.With(
			"rssi", p.session.RSSI(),
			"slave_rssi", p.slaveRSSI,
		).Debug("Received PONG")

	case RoleSlave:
		if len(data) < 5 || data[0] != p.localAddress {
			p.logger.Debug("Message not addressed to us")
			return
		}

		if !bytes.Equal(data[1:5], pingBody) {
			return
		}

		p.rxCount++

		rssi := p.session.RSSI()
		pong := append([]byte{masterAddress}, pongBody...)
		pong = binary.LittleEndian.AppendUint16(pong, uint16(rssi))

		if !p.session.Enqueue(pong) {
			p.logger.Warn("Transmit buffer full, PONG not sent")
		}

		p.logger.Debug("Received PING", "rssi", rssi)
	}
}

package gateway

import (
	"errors"
	"strconv"
	"time"

	"github.com/Archie3d/waveshare-lora-gateway/pkg/codec"
	"github.com/Archie3d/waveshare-lora-gateway/pkg/pingpong"
	"github.com/Archie3d/waveshare-lora-gateway/pkg/radio"
)

const (
	nameBufferSize  = 32
	valueBufferSize = 128

	// Shortest command that can carry "name=value"
	minNameValueLength = 4
)

var errValueTooLong = errors.New("command value too long")

type reply int

const (
	replyUnknown reply = iota
	replyOK
	replyNone
)

// Command is a host command split into its parts.
type Command struct {
	// Name without the trailing channel digit
	Name  string
	Value string
	// Name as received
	FullName    string
	IsNameValue bool
	// Target channel, the current one unless the name ends with a digit
	Channel   int
	Addressed bool
}

// parseCommand splits the oldest inbound command. A trailing digit is only
// taken as a channel number when it names an existing channel and is not
// the whole name. A value that does not fit the value buffer is rejected
// rather than cut short.
func (g *Gateway) parseCommand() (Command, error) {
	cmd := Command{Channel: g.current}

	n, isNameValue := g.inbound.CommandName(g.nameBuf[:])
	if n > 0 && isNameValue {
		if g.inbound.CommandLength()-(n+1) > len(g.valueBuf) {
			return cmd, errValueTooLong
		}

		v := g.inbound.CommandValue(g.valueBuf[:], n+1)
		cmd.Value = string(g.valueBuf[:v])
		cmd.IsNameValue = true
	}

	name := g.nameBuf[:n]
	cmd.FullName = string(name)

	if n > 1 {
		if d := name[n-1]; d >= '0' && int(d-'0') < len(g.sessions) {
			cmd.Channel = int(d - '0')
			cmd.Addressed = true
			name = name[:n-1]
		}
	}

	cmd.Name = string(name)

	return cmd, nil
}

// Process handles the oldest host command, if any, and queues its reply.
func (g *Gateway) Process() {
	if !g.inbound.HasCommand() {
		return
	}
	defer g.inbound.RemoveCommand()

	length := g.inbound.CommandLength()
	if length < 2 {
		g.logger.Debug("Command too short, dropped")
		return
	}

	cmd, err := g.parseCommand()
	if err != nil {
		g.logger.Warn("Command rejected", "length", length, "err", err)
		g.reply("uc")
		return
	}

	if cmd.IsNameValue && length < minNameValueLength {
		g.logger.Debug("Command too short, dropped", "name", cmd.FullName)
		return
	}

	g.logger.Debug("Host command", "name", cmd.Name, "value", cmd.Value, "channel", cmd.Channel)

	var r reply
	if cmd.IsNameValue {
		r = g.dispatchNameValue(cmd)
	} else {
		r = g.dispatchCommand(cmd)
	}

	switch r {
	case replyUnknown:
		g.logger.Debug("Unknown command", "name", cmd.FullName, "value", cmd.Value)
		g.reply("uc")
	case replyOK:
		g.reply("ok")
	}
}

func (g *Gateway) reply(code string) {
	g.outbound.PutString(code)
	g.outbound.Put(';')
}

func (g *Gateway) dispatchNameValue(cmd Command) reply {
	s := g.sessions[cmd.Channel]

	switch cmd.Name {
	case "t":
		return g.transmit(s, cmd.Value)

	case "tv":
		ch, ok := parseRange(cmd.Value, 0, len(g.sessions)-1)
		if !ok || len(cmd.Value) != 1 {
			return replyUnknown
		}
		g.current = ch
		g.logger.Info("Current channel changed", "channel", ch)
		return replyOK

	case "tm":
		v, ok := parseRange(cmd.Value, int(radio.TxModeIdleAfterTx), int(radio.TxModeRxAfterTx))
		if !ok {
			return replyUnknown
		}
		return g.update(s, func(cfg *radio.Config) { cfg.TxMode = radio.TxMode(v) })

	case "tpw":
		v, ok := parseRange(cmd.Value, radio.MinPower, radio.MaxPower)
		if !ok {
			return replyUnknown
		}
		return g.update(s, func(cfg *radio.Config) { cfg.Power = int8(v) })

	case "rm":
		v, ok := parseRange(cmd.Value, int(radio.RxModeSingle), int(radio.RxModeContinuous))
		if !ok {
			return replyUnknown
		}
		return g.update(s, func(cfg *radio.Config) { cfg.RxMode = radio.RxMode(v) })

	case "rto":
		v, ok := parseRange(cmd.Value, 0, int(radio.MaxRxTimeout/time.Millisecond))
		if !ok {
			return replyUnknown
		}
		return g.update(s, func(cfg *radio.Config) { cfg.RxTimeout = time.Duration(v) * time.Millisecond })

	case "rsym":
		v, ok := parseRange(cmd.Value, radio.MinSymbolTimeout, radio.MaxSymbolTimeout)
		if !ok {
			return replyUnknown
		}
		return g.update(s, func(cfg *radio.Config) { cfg.SymbolTimeout = uint16(v) })

	case "bw":
		v, ok := parseRange(cmd.Value, radio.Bandwidth62k5, radio.Bandwidth500k)
		if !ok || len(cmd.Value) != 1 {
			return replyUnknown
		}
		return g.update(s, func(cfg *radio.Config) { cfg.Bandwidth = uint8(v) })

	case "crc":
		enable := cmd.Value[0] != '0'
		return g.update(s, func(cfg *radio.Config) { cfg.CrcEnable = enable })

	case "pr":
		v, ok := parseRange(cmd.Value, radio.MinPreambleLength, radio.MaxPreambleLength)
		if !ok {
			return replyUnknown
		}
		return g.update(s, func(cfg *radio.Config) { cfg.PreambleLength = uint16(v) })

	case "sf":
		v, ok := parseRange(cmd.Value, radio.MinSpreadingFactor, radio.MaxSpreadingFactor)
		if !ok {
			return replyUnknown
		}
		return g.update(s, func(cfg *radio.Config) { cfg.SpreadingFactor = uint8(v) })

	case "f":
		v, err := strconv.Atoi(cmd.Value)
		if err != nil {
			return replyUnknown
		}
		// Short form in units of 100 kHz, 9167 = 916.7 MHz
		if len(cmd.Value) == 4 {
			v *= 100000
		}
		if v < radio.MinFrequency || v > radio.MaxFrequency {
			return replyUnknown
		}
		return g.update(s, func(cfg *radio.Config) { cfg.Frequency = uint32(v) })

	case "pm":
		if cmd.Addressed && cmd.Channel != g.pingPongChannel {
			return replyUnknown
		}
		role, err := pingpong.ParseRole(cmd.Value)
		if err != nil {
			return replyUnknown
		}
		g.pingPong.SetRole(role)
		return replyOK
	}

	return replyUnknown
}

func (g *Gateway) dispatchCommand(cmd Command) reply {
	s := g.sessions[cmd.Channel]

	switch cmd.Name {
	case "rs":
		out := []byte("rs")
		out = strconv.AppendInt(out, int64(cmd.Channel), 10)
		out = append(out, '=')
		out = strconv.AppendInt(out, int64(s.RSSI()), 10)
		out = append(out, ';')
		g.outbound.PutBytes(out)
		return replyNone

	case "rx":
		// The outcome is reported asynchronously
		if err := s.Receive(); err != nil {
			g.logger.Warn("Failed to start receiving", "channel", cmd.Channel, "err", err)
		}
		return replyNone

	case "rst":
		g.reset()
		return replyNone

	case "run":
		return replyOK

	case "tvs":
		for i, session := range g.sessions {
			status := "0"
			if session.Present() {
				status = "1"
			}
			g.outbound.PutString("tvs" + strconv.Itoa(i) + "=" + status + ";")
		}
		return replyNone
	}

	if cmd.FullName == "test1" {
		g.speedTest()
		return replyNone
	}

	return replyUnknown
}

// transmit decodes an ASCII value into the transmit buffer of s. The
// payload is queued whole or not at all.
func (g *Gateway) transmit(s *radio.Session, value string) reply {
	n, err := codec.Decode(g.binBuf[:], []byte(value), 0)
	if err != nil {
		g.logger.Warn("Invalid transmit value", "channel", s.Channel(), "err", err)
		return replyUnknown
	}

	if n == 0 {
		return replyUnknown
	}

	if !s.Enqueue(g.binBuf[:n]) {
		g.logger.Warn("Transmit buffer full", "channel", s.Channel(), "size", n)
		return replyUnknown
	}

	return replyNone
}

func (g *Gateway) update(s *radio.Session, fn func(cfg *radio.Config)) reply {
	if s.Update(fn) {
		g.logger.Debug("Radio configuration changed", "channel", s.Channel())
	}

	return replyOK
}

// speedTest floods the host link with ten fixed replies.
func (g *Gateway) speedTest() {
	const chunk = "012345678;"

	for range 10 {
		if g.outbound.Free() < len(chunk)+2 {
			g.pump()
		}
		g.outbound.PutString(chunk)
	}
}

func parseRange(s string, lo, hi int) (int, bool) {
	v, err := strconv.Atoi(s)
	if err != nil || v < lo || v > hi {
		return 0, false
	}

	return v, true
}

package cmdbuffer

import (
	"errors"

	"github.com/Archie3d/waveshare-lora-gateway/pkg/ringbuffer"
)

/*
Buffer stores a stream of ASCII commands.

Every command is terminated by an "end of command" byte: ';', CR or LF.
A command only becomes visible to the consumer once its terminator has
been stored. If the buffer fills up before the terminator arrives, the
whole partially received command is dropped, and so is every following
byte up to and including the next terminator. Commands queued before the
overflow are never touched.

Like ringbuffer.RingBuffer, Buffer is single producer / single consumer
and has no locking: head is only moved by Put, tail only by RemoveCommand.
*/
type Buffer struct {
	pool []byte
	head int
	tail int
	full bool

	// Offsets of the terminator byte of every complete command, oldest first
	ends *ringbuffer.RingBuffer[int]

	discarding  bool
	lastWasEOC  bool
	overflow    bool
	overflows   uint32
	replaceCrLf bool
}

const (
	EOC = ';'
	CR  = '\r'
	LF  = '\n'
)

var ErrOverflow = errors.New("command buffer overflow, command dropped")

// New creates a command buffer holding up to size bytes and up to
// commands complete commands.
func New(size int, commands int) *Buffer {
	return &Buffer{
		pool:       make([]byte, size),
		ends:       ringbuffer.New[int](commands),
		lastWasEOC: true,
	}
}

func IsEOC(c byte) bool {
	return c == EOC || c == CR || c == LF
}

// SetReplaceCrLf makes the buffer store CR and LF terminators as ';'.
func (b *Buffer) SetReplaceCrLf(replace bool) {
	b.replaceCrLf = replace
}

// Put adds a single byte to the command currently being received.
// Returns true if the byte was stored. A stored byte may still be removed
// later if the buffer overflows before the command is terminated.
func (b *Buffer) Put(c byte) bool {
	if len(b.pool) == 0 {
		return false
	}

	eoc := IsEOC(c)

	// CR LF pairs and the like must not produce empty commands
	if eoc && b.lastWasEOC {
		return false
	}

	if b.full && !b.discarding {
		b.dropCurrent()
	}

	if eoc {
		if b.replaceCrLf {
			c = EOC
		}
		b.lastWasEOC = true

		if b.discarding {
			b.discarding = false
			return false
		}

		if !b.ends.Put(b.head) {
			// No room to remember another command
			b.dropCurrent()
			b.discarding = false
			return false
		}
	} else {
		b.lastWasEOC = false
	}

	if b.discarding {
		return false
	}

	b.pool[b.head] = c
	b.head = (b.head + 1) % len(b.pool)
	if b.head == b.tail {
		b.full = true
	}

	return true
}

// dropCurrent removes every byte of the unterminated command and starts
// ignoring input until the next terminator.
func (b *Buffer) dropCurrent() {
	b.discarding = true
	b.overflow = true
	b.overflows++

	if b.ends.IsEmpty() {
		b.head = b.tail
		b.full = false
		return
	}

	head := (b.ends.PeekLastAdded() + 1) % len(b.pool)
	if head != b.head {
		b.head = head
		b.full = false
	}
}

// PutBytes adds every byte of data. Returns true if anything was stored.
func (b *Buffer) PutBytes(data []byte) bool {
	added := false
	for _, c := range data {
		added = b.Put(c) || added
	}
	return added
}

func (b *Buffer) PutString(s string) bool {
	added := false
	for i := 0; i < len(s); i++ {
		added = b.Put(s[i]) || added
	}
	return added
}

// Write implements io.Writer so replies can be formatted straight into the
// buffer. It reports ErrOverflow if a command was dropped while
// writing p.
func (b *Buffer) Write(p []byte) (int, error) {
	before := b.overflows

	b.PutBytes(p)

	if b.overflows != before {
		return len(p), ErrOverflow
	}

	return len(p), nil
}

// CheckBufferFullError reports whether a command was dropped because of an
// overflow since the last call, and clears the flag.
func (b *Buffer) CheckBufferFullError() bool {
	overflow := b.overflow
	b.overflow = false
	return overflow
}

func (b *Buffer) HasCommand() bool {
	return !b.ends.IsEmpty()
}

func (b *Buffer) CommandsAvailable() int {
	return b.ends.Available()
}

// CommandLength returns the length of the oldest command, terminator excluded.
func (b *Buffer) CommandLength() int {
	end, ok := b.ends.Peek()
	if !ok {
		return 0
	}

	return (end - b.tail + len(b.pool)) % len(b.pool)
}

func (b *Buffer) at(offset int) byte {
	return b.pool[(b.tail+offset)%len(b.pool)]
}

// PeekAt returns the byte at offset within the oldest command.
func (b *Buffer) PeekAt(offset int) byte {
	if len(b.pool) == 0 {
		return 0
	}
	return b.at(offset)
}

// Command copies the oldest command (without terminator) into dst and
// returns the number of bytes copied.
func (b *Buffer) Command(dst []byte) int {
	length := b.CommandLength()

	n := min(length, len(dst))
	for i := range n {
		dst[i] = b.at(i)
	}

	return n
}

// CommandName copies the 'name' part of a "name=value" command into dst,
// or the whole command if it has no value. isNameValue is true only when
// the command has a '=' followed by at least one byte.
func (b *Buffer) CommandName(dst []byte) (n int, isNameValue bool) {
	if !b.HasCommand() || len(dst) == 0 {
		return 0, false
	}

	length := b.CommandLength()
	if length == 0 || b.at(0) == '=' {
		return 0, false
	}

	for i := 0; i < length && n < len(dst); i++ {
		c := b.at(i)
		if c == '=' {
			return n, i+1 < length
		}

		dst[n] = c
		n++
	}

	return n, false
}

// CommandValue copies the 'value' part of the oldest command into dst.
// offset is a hint pointing to the first byte of the value (the name length
// plus one, as returned by CommandName). A hint that is out of range or
// does not directly follow a '=' is ignored and the command is searched.
// Pass -1 when the offset is not known.
func (b *Buffer) CommandValue(dst []byte, offset int) int {
	if !b.HasCommand() || len(dst) == 0 {
		return 0
	}

	length := b.CommandLength()

	var start int
	if offset > 0 && offset < length && b.at(offset-1) == '=' {
		start = offset
	} else {
		eq, found := b.Search('=')
		if !found {
			return 0
		}
		start = eq + 1
	}

	n := 0
	for i := start; i < length && n < len(dst); i++ {
		dst[n] = b.at(i)
		n++
	}

	return n
}

// Search looks for c in the oldest command and returns its offset.
func (b *Buffer) Search(c byte) (int, bool) {
	if !b.HasCommand() {
		return 0, false
	}

	length := b.CommandLength()
	for i := range length {
		if b.at(i) == c {
			return i, true
		}
	}

	return 0, false
}

// RemoveCommand discards the oldest command together with its terminator.
func (b *Buffer) RemoveCommand() {
	end, ok := b.ends.Get()
	if !ok {
		return
	}

	b.tail = (end + 1) % len(b.pool)
	b.full = false
}

func (b *Buffer) IsEmpty() bool {
	return b.head == b.tail && !b.full
}

func (b *Buffer) IsFull() bool {
	return b.full
}

// Available returns the number of stored bytes, including those of a
// command that is still being received.
func (b *Buffer) Available() int {
	if b.full {
		return len(b.pool)
	}

	return (b.head - b.tail + len(b.pool)) % max(len(b.pool), 1)
}

func (b *Buffer) Free() int {
	return len(b.pool) - b.Available()
}

func (b *Buffer) Reset() {
	b.head = 0
	b.tail = 0
	b.full = false
	b.ends.Reset()
	b.overflow = false
	b.discarding = false
	b.lastWasEOC = true
}

// Package hostlink moves bytes between the host and the gateway. Commands
// from the host are handed over as they arrive, replies are written one
// command at a time followed by CR.
package hostlink

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"go.bug.st/serial"
)

const (
	DefaultBaudRate = 115200

	readBufferSize = 256
	sendQueueSize  = 128
)

func OpenSerial(portName string, baudRate int) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	return serial.Open(portName, mode)
}

type stdio struct {
	io.Reader
	io.Writer
}

func (stdio) Close() error {
	return nil
}

// Stdio talks to the host over the process standard input and output.
func Stdio() io.ReadWriteCloser {
	return stdio{Reader: os.Stdin, Writer: os.Stdout}
}

type Link struct {
	port   io.ReadWriteCloser
	logger *log.Logger

	send    chan []byte
	dropped atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

func New(port io.ReadWriteCloser, logger *log.Logger) *Link {
	if logger == nil {
		logger = log.Default()
	}

	return &Link{
		port:   port,
		logger: logger,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Start runs the reader and writer goroutines. onData is called from the
// reader goroutine with a buffer it may keep.
func (l *Link) Start(onData func(data []byte)) {
	l.ctx, l.cancel = context.WithCancel(context.Background())

	// Receive from host. Not waited for on Close: a read from stdin cannot
	// be interrupted.
	go func() {
		defer close(l.done)

		buf := make([]byte, readBufferSize)

		for {
			n, err := l.port.Read(buf)
			if n > 0 {
				onData(append([]byte(nil), buf[:n]...))
			}

			if l.ctx.Err() != nil {
				return
			}

			if err != nil {
				if errors.Is(err, io.EOF) {
					l.logger.Info("Host link closed")
				} else {
					l.logger.Error("Reading from host failed", "err", err)
				}
				return
			}
		}
	}()

	// Send to host
	l.wg.Go(func() {
		for {
			select {
			case <-l.ctx.Done():
				return
			case data := <-l.send:
				if _, err := l.port.Write(data); err != nil {
					l.logger.Error("Writing to host failed", "err", err)
				}
			}
		}
	})
}

// Send queues a reply command for the host. cmd excludes the terminator.
// It never blocks: when the host does not keep up the reply is dropped.
func (l *Link) Send(cmd []byte) bool {
	data := make([]byte, 0, len(cmd)+2)
	data = append(data, cmd...)
	data = append(data, ';', '\r')

	select {
	case l.send <- data:
		return true
	default:
		if l.dropped.Add(1) == 1 {
			l.logger.Warn("Host is not reading, dropping replies")
		}
		return false
	}
}

// Done is closed once the host side of the link has gone away.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Dropped returns the number of replies that could not be queued.
func (l *Link) Dropped() uint32 {
	return l.dropped.Load()
}

func (l *Link) Close() error {
	if l.cancel == nil {
		return l.port.Close()
	}

	l.cancel()
	err := l.port.Close()
	l.wg.Wait()

	return err
}

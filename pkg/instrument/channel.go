package instrument

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/itohio/rmcs/pkg/logger"
	"github.com/itohio/rmcs/pkg/protocol"
)

// maxLineLength caps an unterminated line; longer garbage is discarded.
const maxLineLength = 4096

// ConnError reports a failure to open the instrument port.
type ConnError struct {
	Port string
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("failed to open port %s: %v", e.Port, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// Channel is the command link to the instrument. It writes commands and runs
// a reader goroutine that pushes every received line onto a Queue.
//
// Write and read failures never surface to the caller: the channel drops to
// the disconnected state and further Send calls are no-ops until the next
// Connect.
type Channel struct {
	opener      Opener
	readTimeout time.Duration
	queue       *Queue
	log         *slog.Logger

	mu        sync.Mutex
	port      Port
	portName  string
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Channel.
type Option func(*Channel)

// WithOpener replaces the serial port opener.
func WithOpener(o Opener) Option {
	return func(c *Channel) { c.opener = o }
}

// WithReadTimeout sets the poll interval of the reader goroutine.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.readTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.log = l
		}
	}
}

// NewChannel creates a disconnected channel delivering lines to queue.
func NewChannel(queue *Queue, opts ...Option) *Channel {
	c := &Channel{
		opener:      SerialOpener,
		readTimeout: DefaultReadTimeout,
		queue:       queue,
		log:         logger.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "channel")
	return c
}

// Queue returns the inbound line queue.
func (c *Channel) Queue() *Queue {
	return c.queue
}

// Connect opens the port and starts the reader goroutine.
func (c *Channel) Connect(name string, baudRate int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return fmt.Errorf("already connected to %s", c.portName)
	}
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}

	port, err := c.opener(name, baudRate)
	if err != nil {
		return &ConnError{Port: name, Err: err}
	}
	if err := port.SetReadTimeout(c.readTimeout); err != nil {
		port.Close()
		return &ConnError{Port: name, Err: fmt.Errorf("failed to set read timeout: %w", err)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.port = port
	c.portName = name
	c.connected = true
	c.cancel = cancel
	c.done = done

	go c.readLines(ctx, port, done)

	c.log.Info("connected", "port", name, "baud", baudRate)
	return nil
}

// Disconnect closes the port and waits for the reader to exit. Safe to call
// in any state.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	done := c.done
	wasConnected := c.connected
	c.closeLocked()
	c.mu.Unlock()

	if done != nil {
		<-done
	}
	if wasConnected {
		c.log.Info("disconnected")
	}
}

// IsConnected returns whether the channel is currently connected.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send writes command followed by a newline. It is a no-op when
// disconnected. A failed write disconnects the channel.
func (c *Channel) Send(command string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		c.log.Debug("not connected, command dropped", "cmd", command)
		return
	}

	data := []byte(command + protocol.Terminator)
	n, err := c.port.Write(data)
	if err == nil && n != len(data) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(data))
	}
	if err != nil {
		c.log.Error("write failed, disconnecting", "cmd", command, "error", err)
		c.closeLocked()
		return
	}

	c.log.Debug("sent", "cmd", command)
}

// closeLocked releases the port. The reader goroutine notices the
// cancellation and exits on its own.
func (c *Channel) closeLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.port != nil {
		if err := c.port.Close(); err != nil {
			c.log.Warn("error closing port", "error", err)
		}
		c.port = nil
	}
	c.connected = false
	c.done = nil
}

// readFailed disconnects after a read error, unless the port was already
// replaced or closed.
func (c *Channel) readFailed(port Port, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port != port {
		return
	}
	c.log.Error("read failed, disconnecting", "error", err)
	c.closeLocked()
}

// readLines polls the port, splits the byte stream on newlines and pushes
// each non-empty line onto the queue. Lines are not parsed here.
func (c *Channel) readLines(ctx context.Context, port Port, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic in reader", "panic", r)
		}
	}()

	buf := make([]byte, 256)
	var pending []byte

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := port.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = c.pushLines(pending)
			if len(pending) > maxLineLength {
				c.log.Warn("discarding unterminated input", "bytes", len(pending))
				pending = pending[:0]
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.readFailed(port, err)
			return
		}
	}
}

// pushLines queues every complete line in buf and returns the remainder.
func (c *Channel) pushLines(buf []byte) []byte {
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			return buf
		}

		line := strings.TrimSpace(strings.ToValidUTF8(string(buf[:idx]), ""))
		buf = buf[idx+1:]
		if line == "" {
			continue
		}

		c.log.Debug("received", "line", line)
		c.queue.Push(line)
	}
}

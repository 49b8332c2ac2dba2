package instrument

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPort is an in-memory Port with injectable failures.
type testPort struct {
	mu          sync.Mutex
	written     bytes.Buffer
	incoming    chan []byte
	readTimeout time.Duration
	writeErr    error
	readErr     chan error
	closed      bool
	closeCalls  int
	done        chan struct{}
}

func newTestPort() *testPort {
	return &testPort{
		incoming: make(chan []byte, 16),
		readErr:  make(chan error, 1),
		done:     make(chan struct{}),
	}
}

func (p *testPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	timeout := p.readTimeout
	p.mu.Unlock()

	select {
	case data := <-p.incoming:
		return copy(b, data), nil
	case err := <-p.readErr:
		return 0, err
	case <-p.done:
		return 0, errors.New("closed")
	case <-time.After(timeout):
		return 0, nil
	}
}

func (p *testPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.written.Write(b)
}

func (p *testPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCalls++
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	return nil
}

func (p *testPort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = d
	return nil
}

func (p *testPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func newTestChannel(t *testing.T, port *testPort) *Channel {
	t.Helper()
	opener := func(name string, baud int) (Port, error) { return port, nil }
	ch := NewChannel(NewQueue(), WithOpener(opener), WithReadTimeout(10*time.Millisecond))
	t.Cleanup(ch.Disconnect)
	return ch
}

func TestChannel_SendAppendsNewline(t *testing.T) {
	port := newTestPort()
	ch := newTestChannel(t, port)

	require.NoError(t, ch.Connect("sim", 9600))
	assert.True(t, ch.IsConnected())

	ch.Send("ON:1")
	ch.Send("GETDATA:2")
	assert.Equal(t, "ON:1\nGETDATA:2\n", port.Written())
}

func TestChannel_SendWhileDisconnectedIsNoop(t *testing.T) {
	port := newTestPort()
	ch := newTestChannel(t, port)

	ch.Send("ON:1")
	assert.Empty(t, port.Written())
}

func TestChannel_ConnectFailure(t *testing.T) {
	opener := func(name string, baud int) (Port, error) { return nil, errors.New("no such device") }
	ch := NewChannel(NewQueue(), WithOpener(opener))

	err := ch.Connect("/dev/ttyUSB9", 9600)
	require.Error(t, err)
	var cerr *ConnError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "/dev/ttyUSB9", cerr.Port)
	assert.False(t, ch.IsConnected())
}

func TestChannel_ConnectTwice(t *testing.T) {
	port := newTestPort()
	ch := newTestChannel(t, port)

	require.NoError(t, ch.Connect("sim", 9600))
	assert.Error(t, ch.Connect("sim", 9600))
}

func TestChannel_WriteFailureDegrades(t *testing.T) {
	port := newTestPort()
	ch := newTestChannel(t, port)
	require.NoError(t, ch.Connect("sim", 9600))

	port.mu.Lock()
	port.writeErr = errors.New("device unplugged")
	port.mu.Unlock()

	ch.Send("ON:1")
	assert.False(t, ch.IsConnected())

	// Subsequent sends are silently dropped
	port.mu.Lock()
	port.writeErr = nil
	port.mu.Unlock()
	ch.Send("ON:2")
	assert.Empty(t, port.Written())
}

func TestChannel_ReadFailureDegrades(t *testing.T) {
	port := newTestPort()
	ch := newTestChannel(t, port)
	require.NoError(t, ch.Connect("sim", 9600))

	port.readErr <- errors.New("input/output error")

	assert.Eventually(t, func() bool { return !ch.IsConnected() }, time.Second, 5*time.Millisecond)
}

func TestChannel_DisconnectIdempotent(t *testing.T) {
	port := newTestPort()
	ch := newTestChannel(t, port)

	// Never connected
	ch.Disconnect()
	ch.Disconnect()

	require.NoError(t, ch.Connect("sim", 9600))
	ch.Disconnect()
	ch.Disconnect()

	assert.False(t, ch.IsConnected())
	assert.Equal(t, 1, port.closeCalls)
}

func TestChannel_ReconnectAfterDegrade(t *testing.T) {
	first := newTestPort()
	first.writeErr = errors.New("broken pipe")
	second := newTestPort()

	ports := []*testPort{first, second}
	opener := func(name string, baud int) (Port, error) {
		p := ports[0]
		ports = ports[1:]
		return p, nil
	}
	ch := NewChannel(NewQueue(), WithOpener(opener), WithReadTimeout(10*time.Millisecond))
	defer ch.Disconnect()

	require.NoError(t, ch.Connect("sim", 9600))
	ch.Send("ON:1")
	require.False(t, ch.IsConnected())

	require.NoError(t, ch.Connect("sim", 9600))
	ch.Send("ON:1")
	assert.Equal(t, "ON:1\n", second.Written())
}

func TestChannel_IngestsLines(t *testing.T) {
	port := newTestPort()
	ch := newTestChannel(t, port)
	require.NoError(t, ch.Connect("sim", 9600))

	// Lines split across reads, CRLF endings, blank lines and garbage
	port.incoming <- []byte("DATA:2,10")
	port.incoming <- []byte(".00,50.00\r\n\r\nhello\n")
	port.incoming <- []byte("DATA:3,1,2\npartial")

	require.Eventually(t, func() bool { return ch.Queue().Len() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"DATA:2,10.00,50.00", "hello", "DATA:3,1,2"}, ch.Queue().Drain())
	assert.Empty(t, ch.Queue().Drain())
}

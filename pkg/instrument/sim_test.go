package instrument

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/rmcs/pkg/config"
	"github.com/itohio/rmcs/pkg/geometry"
	"github.com/itohio/rmcs/pkg/protocol"
)

func testMockConfig() *config.MockConfig {
	return &config.MockConfig{
		Resistivity: 100,
		CurrentMA:   10,
		NoiseLevel:  0,
		Latency:     5 * time.Millisecond,
	}
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	assert.Nil(t, q.Drain())

	q.Push("a")
	q.Push("b")
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, []string{"a", "b"}, q.Drain())
	assert.Equal(t, 0, q.Len())

	q.Push("c")
	assert.Equal(t, []string{"c"}, q.Drain())
}

func TestNewSim_NilConfig(t *testing.T) {
	s := NewSim(nil, geometry.Wenner, 0)
	assert.Equal(t, config.Default().Mock, s.cfg)
	assert.Equal(t, 1.0, s.spacing)
}

func TestSim_TracksEnergizedPins(t *testing.T) {
	s := NewSim(testMockConfig(), geometry.Wenner, 1)

	_, err := s.Write([]byte("ON:1\nON:4\nON:2\nON:3\n"))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 2, 3}, s.Energized())

	_, err = s.Write([]byte("OFF:4\nOFF:1\n"))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, s.Energized())
	assert.Len(t, s.Commands(), 6)
}

func TestSim_MeasureReproducesResistivity(t *testing.T) {
	s := NewSim(testMockConfig(), geometry.Wenner, 1)
	require.NoError(t, s.SetReadTimeout(time.Second))

	_, err := s.Write([]byte("ON:1\nON:4\nON:2\nON:3\nGETDATA:2\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := s.Read(buf)
	require.NoError(t, err)

	r, err := protocol.ParseReading(strings.TrimSpace(string(buf[:n])))
	require.NoError(t, err)
	assert.Equal(t, 2, r.SourceID)

	q := geometry.Quadruple{A: 1, B: 4, M: 2, N: 3}
	rho := geometry.Resistivity(geometry.Wenner, q, geometry.Resistance(r.CurrentMA, r.VoltageMV), 1)
	assert.InDelta(t, 100, rho, 0.1)
}

func TestSim_NotEnergized(t *testing.T) {
	s := NewSim(testMockConfig(), geometry.Wenner, 1)
	require.NoError(t, s.SetReadTimeout(time.Second))

	_, err := s.Write([]byte("GETDATA:2\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ERR:NOT_ENERGIZED\n", string(buf[:n]))
}

func TestSim_RepeatedPinQuadruple(t *testing.T) {
	s := NewSim(testMockConfig(), geometry.Wenner, 1)
	require.NoError(t, s.SetReadTimeout(time.Second))

	_, err := s.Write([]byte("ON:1\nON:4\nON:1\nON:3\nGETDATA:1\n"))
	require.NoError(t, err)
	assert.Equal(t, []int{4, 1, 3}, s.Energized())

	buf := make([]byte, 64)
	n, err := s.Read(buf)
	require.NoError(t, err)

	r, err := protocol.ParseReading(strings.TrimSpace(string(buf[:n])))
	require.NoError(t, err)
	assert.Equal(t, 1, r.SourceID)
	assert.Equal(t, 10.0, r.CurrentMA)
}

func TestSim_SwitchedResetsWhenAllOff(t *testing.T) {
	s := NewSim(testMockConfig(), geometry.Wenner, 1)
	require.NoError(t, s.SetReadTimeout(time.Second))

	_, err := s.Write([]byte("ON:1\nON:4\nON:2\nON:3\nOFF:1\nOFF:4\nOFF:2\nOFF:3\nON:5\nGETDATA:5\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ERR:NOT_ENERGIZED\n", string(buf[:n]))
}

func TestSim_ReadTimeout(t *testing.T) {
	s := NewSim(testMockConfig(), geometry.Wenner, 1)
	require.NoError(t, s.SetReadTimeout(10*time.Millisecond))

	n, err := s.Read(make([]byte, 8))
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSim_Close(t *testing.T) {
	s := NewSim(testMockConfig(), geometry.Wenner, 1)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrPortClosed)

	_, err = s.Write([]byte("ON:1\n"))
	assert.ErrorIs(t, err, ErrPortClosed)
}

func TestChannel_WithSim(t *testing.T) {
	var sim *Sim
	opener := SimOpener(testMockConfig(), geometry.Wenner, 1, func(s *Sim) { sim = s })
	ch := NewChannel(NewQueue(), WithOpener(opener), WithReadTimeout(10*time.Millisecond))
	defer ch.Disconnect()

	require.NoError(t, ch.Connect("sim", 9600))
	require.NotNil(t, sim)

	for _, cmd := range []string{"ON:1", "ON:4", "ON:2", "ON:3", "GETDATA:2"} {
		ch.Send(cmd)
	}

	require.Eventually(t, func() bool { return ch.Queue().Len() == 1 }, time.Second, 5*time.Millisecond)
	lines := ch.Queue().Drain()
	assert.True(t, strings.HasPrefix(lines[0], "DATA:2,"))

	sim.Inject("NOISE")
	require.Eventually(t, func() bool { return ch.Queue().Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"NOISE"}, ch.Queue().Drain())
}

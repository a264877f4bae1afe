package sim

import (
	"testing"
	"time"

	"github.com/Archie3d/waveshare-lora-gateway/pkg/radio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventRecorder chan radio.Event

func (r eventRecorder) Notify(ev radio.Event) {
	r <- ev
}

func (r eventRecorder) next(t *testing.T) radio.Event {
	t.Helper()

	select {
	case ev := <-r:
		return ev
	case <-time.After(time.Second):
		require.FailNow(t, "no event received")
	}

	return radio.Event{}
}

func (r eventRecorder) none(t *testing.T) {
	t.Helper()

	select {
	case ev := <-r:
		assert.Fail(t, "unexpected event", "%v", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func newPair(t *testing.T) (*Air, *Radio, *Radio, eventRecorder, eventRecorder) {
	air := NewAir()
	air.SetAirTime(time.Millisecond)

	evA := make(eventRecorder, 8)
	evB := make(eventRecorder, 8)

	a := air.NewRadio(evA)
	b := air.NewRadio(evB)

	require.NoError(t, a.Init(radio.DefaultConfig()))
	require.NoError(t, b.Init(radio.DefaultConfig()))

	return air, a, b, evA, evB
}

func TestTransmission(t *testing.T) {
	air, a, b, evA, evB := newPair(t)
	air.SetLink(-97, -3)

	require.NoError(t, b.Receive(0))
	require.NoError(t, a.Send([]byte("hello")))

	assert.Equal(t, radio.EventTxDone, evA.next(t).Type)

	ev := evB.next(t)
	assert.Equal(t, radio.EventRxDone, ev.Type)
	assert.Equal(t, []byte("hello"), ev.Payload)
	assert.Equal(t, int16(-97), ev.RSSI)
	assert.Equal(t, int8(-3), ev.SNR)

	// Continuous receive keeps listening
	assert.True(t, b.Receiving())
	assert.False(t, a.Receiving())

	assert.Equal(t, [][]byte{[]byte("hello")}, a.Sent())
}

func TestNoReceptionOnOtherFrequency(t *testing.T) {
	_, a, b, evA, evB := newPair(t)

	cfg := radio.DefaultConfig()
	cfg.Frequency = 868000000
	require.NoError(t, b.Init(cfg))
	require.NoError(t, b.Receive(0))

	require.NoError(t, a.Send([]byte{1}))

	assert.Equal(t, radio.EventTxDone, evA.next(t).Type)
	evB.none(t)
}

func TestNoReceptionWhenIdle(t *testing.T) {
	_, a, _, evA, evB := newPair(t)

	require.NoError(t, a.Send([]byte{1}))

	assert.Equal(t, radio.EventTxDone, evA.next(t).Type)
	evB.none(t)
}

func TestReceiveTimeout(t *testing.T) {
	_, a, _, evA, _ := newPair(t)

	require.NoError(t, a.Receive(10*time.Millisecond))

	assert.Equal(t, radio.EventRxTimeout, evA.next(t).Type)
	assert.False(t, a.Receiving())
}

func TestStandbyCancelsReceiveTimeout(t *testing.T) {
	_, a, _, evA, _ := newPair(t)

	require.NoError(t, a.Receive(20*time.Millisecond))
	require.NoError(t, a.Standby())

	evA.none(t)
}

func TestInjection(t *testing.T) {
	_, a, _, evA, _ := newPair(t)

	assert.False(t, a.Inject([]byte{1}))

	require.NoError(t, a.Receive(0))

	assert.True(t, a.Inject([]byte{1, 2}))
	ev := evA.next(t)
	assert.Equal(t, radio.EventRxDone, ev.Type)
	assert.Equal(t, []byte{1, 2}, ev.Payload)

	assert.True(t, a.InjectError())
	assert.Equal(t, radio.EventRxError, evA.next(t).Type)
}

func TestUnpluggedRadio(t *testing.T) {
	_, a, _, _, _ := newPair(t)

	a.SetPresent(false)

	assert.ErrorIs(t, a.Init(radio.DefaultConfig()), radio.ErrNoRadio)
	assert.ErrorIs(t, a.Send([]byte{1}), radio.ErrNoRadio)

	_, err := a.RSSI()
	assert.ErrorIs(t, err, radio.ErrNoRadio)

	a.SetPresent(true)
	assert.NoError(t, a.Init(radio.DefaultConfig()))
}

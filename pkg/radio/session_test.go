package radio

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransceiver struct {
	initErr error
	sendErr error

	inits    int
	configs  []Config
	sent     [][]byte
	receives []time.Duration
	sleeps   int
	standbys int
}

func (f *fakeTransceiver) Init(cfg Config) error {
	f.inits++
	f.configs = append(f.configs, cfg)
	return f.initErr
}

func (f *fakeTransceiver) Send(payload []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeTransceiver) Receive(timeout time.Duration) error {
	f.receives = append(f.receives, timeout)
	return nil
}

func (f *fakeTransceiver) Sleep() error {
	f.sleeps++
	return nil
}

func (f *fakeTransceiver) Standby() error {
	f.standbys++
	return nil
}

func (f *fakeTransceiver) RSSI() (int16, error) {
	return -80, nil
}

type testSession struct {
	*Session
	xcvr    *fakeTransceiver
	replies *bytes.Buffer
	now     time.Time
	wakeups int
}

func newTestSession(t *testing.T, cfg Config) *testSession {
	t.Helper()

	ts := &testSession{
		xcvr:    &fakeTransceiver{},
		replies: &bytes.Buffer{},
		now:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	ts.Session = NewSession(0, cfg,
		WithReplies(ts.replies),
		WithClock(func() time.Time { return ts.now }),
		WithWakeup(func() { ts.wakeups++ }),
	)
	ts.Attach(ts.xcvr)

	return ts
}

func newReadySession(t *testing.T, cfg Config) *testSession {
	ts := newTestSession(t, cfg)
	ts.Poll()
	require.True(t, ts.Initialized())
	require.Equal(t, StateIdle, ts.State())
	return ts
}

func TestInitializationRetry(t *testing.T) {
	ts := newTestSession(t, DefaultConfig())
	ts.xcvr.initErr = ErrNoRadio

	ts.Poll()
	assert.Equal(t, 1, ts.xcvr.inits)
	assert.False(t, ts.Present())
	assert.Equal(t, StateUninitialized, ts.State())

	ts.Poll()
	ts.now = ts.now.Add(499 * time.Millisecond)
	ts.Poll()
	assert.Equal(t, 1, ts.xcvr.inits)

	ts.now = ts.now.Add(time.Millisecond)
	ts.Poll()
	assert.Equal(t, 2, ts.xcvr.inits)

	// Any other failure is retried sooner
	ts.xcvr.initErr = errors.New("port closed")
	ts.now = ts.now.Add(500 * time.Millisecond)
	ts.Poll()
	assert.Equal(t, 3, ts.xcvr.inits)

	ts.xcvr.initErr = nil
	ts.now = ts.now.Add(100 * time.Millisecond)
	ts.Poll()
	assert.Equal(t, 4, ts.xcvr.inits)
	assert.True(t, ts.Present())
	assert.Equal(t, StateIdle, ts.State())
}

func TestTransmit(t *testing.T) {
	ts := newReadySession(t, DefaultConfig())

	require.True(t, ts.Enqueue([]byte("abc")))

	ts.Poll()
	require.Len(t, ts.xcvr.sent, 1)
	assert.Equal(t, []byte("abc"), ts.xcvr.sent[0])
	assert.Equal(t, StateLowPower, ts.State())

	// Nothing happens until the transceiver reports back
	ts.Poll()
	assert.Equal(t, StateLowPower, ts.State())
	assert.Empty(t, ts.replies.String())

	ts.HandleEvent(Event{Type: EventTxDone})

	assert.Equal(t, StateIdle, ts.State())
	assert.Equal(t, "r0=tok;", ts.replies.String())
	assert.Equal(t, 1, ts.xcvr.sleeps)
	assert.Empty(t, ts.xcvr.receives)
}

func TestTransmitThenReceive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TxMode = TxModeRxAfterTx
	cfg.RxTimeout = 0

	ts := newReadySession(t, cfg)

	ts.Enqueue([]byte{1, 2})
	ts.Poll()
	ts.HandleEvent(Event{Type: EventTxDone})

	assert.Equal(t, StateIdle, ts.State())
	assert.Equal(t, []time.Duration{0}, ts.xcvr.receives)
}

func TestTransmitTimeout(t *testing.T) {
	ts := newReadySession(t, DefaultConfig())

	ts.Enqueue([]byte{1})
	ts.Poll()
	ts.HandleEvent(Event{Type: EventTxTimeout})

	assert.Equal(t, StateIdle, ts.State())
	assert.Equal(t, "r0=tto;", ts.replies.String())
}

func TestTransmitFailure(t *testing.T) {
	ts := newReadySession(t, DefaultConfig())
	ts.xcvr.sendErr = errors.New("busy")

	ts.Enqueue([]byte{1})
	ts.Poll()

	assert.Equal(t, StateIdle, ts.State())
	assert.Equal(t, "r0=tto;", ts.replies.String())
	assert.Equal(t, TxBufferSize, ts.TxFree())
}

func TestLostRadioIsReinitialized(t *testing.T) {
	ts := newReadySession(t, DefaultConfig())
	ts.xcvr.sendErr = ErrNoRadio

	ts.Enqueue([]byte{1})
	ts.Poll()

	assert.Equal(t, "r0=tto;", ts.replies.String())
	assert.False(t, ts.Initialized())

	ts.xcvr.sendErr = nil
	ts.Poll()

	assert.Equal(t, 2, ts.xcvr.inits)
	assert.True(t, ts.Initialized())
}

func TestNotifyIsAppliedOnPoll(t *testing.T) {
	ts := newReadySession(t, DefaultConfig())

	ts.Enqueue([]byte{1})
	ts.Poll()

	ts.Notify(Event{Type: EventTxDone})
	assert.Equal(t, 1, ts.wakeups)
	assert.Equal(t, StateLowPower, ts.State())

	ts.Poll()
	assert.Equal(t, StateIdle, ts.State())
	assert.Equal(t, "r0=tok;", ts.replies.String())
}

func TestNotifyDropsWhenQueueIsFull(t *testing.T) {
	ts := newReadySession(t, DefaultConfig())

	for range eventQueueSize + 1 {
		ts.Notify(Event{Type: EventRxTimeout})
	}

	assert.Equal(t, uint32(1), ts.Stats().DroppedEvents)

	ts.Poll()
	assert.Equal(t, uint16(eventQueueSize), ts.Stats().RxErrCount)
}

func TestAtMostOnePendingMessage(t *testing.T) {
	ts := newReadySession(t, DefaultConfig())
	ts.Register(ListenerApp)
	ts.Register(ListenerHost)

	ts.Notify(Event{Type: EventRxDone, Payload: []byte("first"), RSSI: -40, SNR: 7})
	ts.Notify(Event{Type: EventRxDone, Payload: []byte("second"), RSSI: -90})
	ts.Poll()

	stats := ts.Stats()
	assert.Equal(t, uint16(1), stats.RxCount)
	assert.Equal(t, uint32(1), stats.LostCount)
	assert.Equal(t, int16(-40), stats.RSSI)
	assert.Equal(t, int8(7), stats.SNR)

	assert.True(t, ts.TakeMessageLost())
	assert.False(t, ts.TakeMessageLost())

	data, ok := ts.Received(ListenerApp)
	require.True(t, ok)
	assert.Equal(t, []byte("first"), data)

	ts.Release(ListenerApp)

	_, ok = ts.Received(ListenerApp)
	assert.False(t, ok)

	// Still held for the other listener
	data, ok = ts.Received(ListenerHost)
	require.True(t, ok)
	assert.Equal(t, []byte("first"), data)

	ts.HandleEvent(Event{Type: EventRxDone, Payload: []byte("third")})
	assert.Equal(t, uint32(2), ts.Stats().LostCount)

	ts.Release(ListenerHost)

	ts.HandleEvent(Event{Type: EventRxDone, Payload: []byte("fourth")})
	data, ok = ts.Received(ListenerHost)
	require.True(t, ok)
	assert.Equal(t, []byte("fourth"), data)
	assert.Equal(t, uint16(2), ts.Stats().RxCount)
}

func TestMessageWithoutListenersIsDiscarded(t *testing.T) {
	ts := newReadySession(t, DefaultConfig())

	ts.HandleEvent(Event{Type: EventRxDone, Payload: []byte{1}})
	ts.HandleEvent(Event{Type: EventRxDone, Payload: []byte{2}})

	assert.Equal(t, uint16(2), ts.Stats().RxCount)
	assert.Equal(t, uint32(0), ts.Stats().LostCount)
}

func TestLongMessageIsTruncated(t *testing.T) {
	ts := newReadySession(t, DefaultConfig())
	ts.Register(ListenerHost)

	ts.HandleEvent(Event{Type: EventRxDone, Payload: make([]byte, RxBufferSize+8)})

	data, ok := ts.Received(ListenerHost)
	require.True(t, ok)
	assert.Len(t, data, RxBufferSize)
}

func TestReceiveErrors(t *testing.T) {
	ts := newReadySession(t, DefaultConfig())

	ts.HandleEvent(Event{Type: EventRxTimeout})
	assert.Equal(t, RxStatusTimeout, ts.Stats().RxStatus)

	ts.HandleEvent(Event{Type: EventRxError})
	assert.Equal(t, RxStatusCRC, ts.Stats().RxStatus)

	assert.Equal(t, "r0=rto;r0=rer;", ts.replies.String())
	assert.Equal(t, uint16(2), ts.Stats().RxErrCount)

	// Continuous receive keeps the transceiver running
	assert.Equal(t, 0, ts.xcvr.sleeps)
}

func TestSingleReceiveMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RxMode = RxModeSingle

	ts := newReadySession(t, cfg)

	ts.HandleEvent(Event{Type: EventRxDone, Payload: []byte{1}})
	assert.Equal(t, 1, ts.xcvr.standbys)

	ts.HandleEvent(Event{Type: EventRxTimeout})
	assert.Equal(t, 1, ts.xcvr.sleeps)
}

func TestReceiveCommand(t *testing.T) {
	ts := newTestSession(t, DefaultConfig())
	ts.xcvr.initErr = ErrNoRadio
	ts.Poll()

	assert.Error(t, ts.Receive())

	ts.xcvr.initErr = nil
	ts.now = ts.now.Add(time.Second)
	ts.Poll()

	require.NoError(t, ts.Receive())
	assert.Equal(t, []time.Duration{DefaultRxTimeout}, ts.xcvr.receives)
	assert.Equal(t, StateIdle, ts.State())
}

func TestConfigChangeReinitializes(t *testing.T) {
	ts := newReadySession(t, DefaultConfig())

	assert.False(t, ts.Update(func(cfg *Config) { cfg.Power = DefaultPower }))
	assert.False(t, ts.IsDirty())

	assert.True(t, ts.Update(func(cfg *Config) { cfg.Power = 10 }))
	assert.True(t, ts.IsDirty())

	ts.Poll()

	assert.False(t, ts.IsDirty())
	require.Equal(t, 2, ts.xcvr.inits)
	assert.Equal(t, int8(10), ts.xcvr.configs[1].Power)
}

func TestNothingIsSentBeforeInitialization(t *testing.T) {
	ts := newTestSession(t, DefaultConfig())
	ts.xcvr.initErr = ErrNoRadio

	ts.Enqueue([]byte{1, 2, 3})
	ts.Poll()

	assert.Empty(t, ts.xcvr.sent)
	assert.Equal(t, TxBufferSize-3, ts.TxFree())
}

func TestBackgroundInitialization(t *testing.T) {
	ts := newTestSession(t, DefaultConfig())
	ts.xcvr.initErr = ErrInProgress

	ts.Enqueue([]byte{1})
	ts.Poll()

	assert.True(t, ts.Initializing())
	assert.False(t, ts.Initialized())

	// No second attempt while the first one is running
	ts.now = ts.now.Add(time.Second)
	ts.Poll()
	assert.Equal(t, 1, ts.xcvr.inits)
	assert.Empty(t, ts.xcvr.sent)

	ts.Notify(Event{Type: EventInitDone})
	ts.Poll()

	assert.False(t, ts.Initializing())
	assert.True(t, ts.Initialized())
	assert.True(t, ts.Present())
	require.Len(t, ts.xcvr.sent, 1)
	assert.Equal(t, StateLowPower, ts.State())
}

func TestBackgroundInitializationFailure(t *testing.T) {
	ts := newTestSession(t, DefaultConfig())
	ts.xcvr.initErr = ErrInProgress
	ts.Poll()

	ts.Notify(Event{Type: EventInitFailed, Err: ErrNoRadio})
	ts.Poll()

	assert.False(t, ts.Initializing())
	assert.False(t, ts.Present())

	// The retry delay starts when the failure is reported
	ts.now = ts.now.Add(499 * time.Millisecond)
	ts.Poll()
	assert.Equal(t, 1, ts.xcvr.inits)

	ts.now = ts.now.Add(time.Millisecond)
	ts.Poll()
	assert.Equal(t, 2, ts.xcvr.inits)
}

func TestConfigChangeDuringBackgroundInitialization(t *testing.T) {
	ts := newTestSession(t, DefaultConfig())
	ts.xcvr.initErr = ErrInProgress
	ts.Poll()

	ts.Update(func(cfg *Config) { cfg.SpreadingFactor = 7 })
	ts.Poll()
	assert.Equal(t, 1, ts.xcvr.inits)

	// The completed initialization used the old settings
	ts.xcvr.initErr = nil
	ts.Notify(Event{Type: EventInitDone})
	ts.Poll()
	assert.False(t, ts.Initialized())

	ts.Poll()
	assert.True(t, ts.Initialized())
	require.Equal(t, 2, ts.xcvr.inits)
	assert.Equal(t, uint8(7), ts.xcvr.configs[1].SpreadingFactor)
}

func TestTransmitRequestFailure(t *testing.T) {
	ts := newReadySession(t, DefaultConfig())

	ts.Enqueue([]byte{1})
	ts.Poll()
	require.Equal(t, StateLowPower, ts.State())

	ts.HandleEvent(Event{Type: EventTxTimeout, Err: ErrNoRadio})

	assert.Equal(t, "r0=tto;", ts.replies.String())
	assert.False(t, ts.Initialized())
	assert.Zero(t, ts.xcvr.sleeps)

	ts.Poll()
	assert.Equal(t, 2, ts.xcvr.inits)
}

func TestReset(t *testing.T) {
	ts := newReadySession(t, DefaultConfig())
	ts.Register(ListenerHost)

	ts.HandleEvent(Event{Type: EventRxDone, Payload: []byte("held"), RSSI: -50, SNR: 3})
	ts.HandleEvent(Event{Type: EventRxDone, Payload: []byte("lost")})
	ts.HandleEvent(Event{Type: EventRxTimeout})

	// Queued while the radio is busy transmitting
	ts.Enqueue([]byte{1})
	ts.Poll()
	ts.Enqueue([]byte{2, 3})
	ts.Notify(Event{Type: EventTxDone})
	ts.replies.Reset()

	ts.Reset()

	assert.Equal(t, Stats{State: StateUninitialized}, ts.Stats())
	assert.False(t, ts.Pending(ListenerHost))
	assert.False(t, ts.TakeMessageLost())
	assert.Equal(t, TxBufferSize, ts.TxFree())

	ts.Poll()

	assert.Equal(t, 2, ts.xcvr.inits)
	assert.Equal(t, StateIdle, ts.State())
	// Only the frame sent before the reset, and no stale completion
	assert.Len(t, ts.xcvr.sent, 1)
	assert.Empty(t, ts.replies.String())

	// Listeners are kept
	ts.HandleEvent(Event{Type: EventRxDone, Payload: []byte("new")})
	data, ok := ts.Received(ListenerHost)
	require.True(t, ok)
	assert.Equal(t, []byte("new"), data)
}

func TestResetKeepsBackgroundInitialization(t *testing.T) {
	ts := newTestSession(t, DefaultConfig())
	ts.xcvr.initErr = ErrInProgress
	ts.Poll()

	ts.Notify(Event{Type: EventInitFailed, Err: errors.New("port closed")})
	ts.Reset()

	assert.False(t, ts.Initializing())

	ts.xcvr.initErr = nil
	ts.now = ts.now.Add(createRetryDelay)
	ts.Poll()
	assert.True(t, ts.Initialized())
}

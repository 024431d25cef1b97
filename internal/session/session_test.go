package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-qos1-broker/internal/mqtt"
)

type recordingSender struct {
	mu     sync.Mutex
	frames map[string][][]byte
	fail   error
}

func newRecordingSender() *recordingSender {
	return &recordingSender{frames: make(map[string][][]byte)}
}

func (r *recordingSender) send(handle string, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.frames[handle] = append(r.frames[handle], frame)
	return nil
}

func (r *recordingSender) count(handle string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames[handle])
}

func newConnected(t *testing.T, maxTopics, maxQueue int) *Session {
	table := NewTable(1, maxTopics, maxQueue)
	result, err := table.Connect("client", "h1", 30)
	require.NoError(t, err)
	return result.Session
}

func TestMarkReceived(t *testing.T) {
	s := newConnected(t, 1, 1)
	assert.False(t, s.MarkReceived(7))
	assert.True(t, s.MarkReceived(7))
	assert.False(t, s.MarkReceived(8))
	assert.False(t, s.MarkReceived(7), "only the most recent id is remembered")
	assert.Equal(t, uint16(7), s.LastReceivedID())
}

func TestSubscribe(t *testing.T) {
	s := newConnected(t, 2, 1)
	assert.Equal(t, Subscribed, s.Subscribe("a"))
	assert.Equal(t, AlreadySubscribed, s.Subscribe("a"))
	assert.Equal(t, Subscribed, s.Subscribe("b"))
	assert.Equal(t, SubscriptionsFull, s.Subscribe("c"))
	assert.Equal(t, []string{"a", "b"}, s.Topics())

	assert.True(t, s.Unsubscribe("a"))
	assert.False(t, s.Unsubscribe("a"))
	assert.Equal(t, Subscribed, s.Subscribe("c"))
	assert.Equal(t, []string{"c", "b"}, s.Topics())
	assert.True(t, s.IsSubscribed("c"))
	assert.False(t, s.IsSubscribed("a"))
}

func TestEnqueueAndAcknowledge(t *testing.T) {
	s := newConnected(t, 1, 2)
	sender := newRecordingSender()
	now := time.Unix(1000, 0)

	first, err := s.Enqueue(&mqtt.Publish{QoS: 1, Topic: "t", PacketID: 1, Payload: []byte("a")}, sender.send, now)
	require.NoError(t, err)
	assert.Equal(t, 0, first.Slot)
	assert.NoError(t, first.Err)

	second, err := s.Enqueue(&mqtt.Publish{QoS: 1, Topic: "t", PacketID: 2, Payload: []byte("b")}, sender.send, now)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Slot)

	_, err = s.Enqueue(&mqtt.Publish{QoS: 1, Topic: "t", PacketID: 3}, sender.send, now)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, sender.count("h1"))

	require.NoError(t, s.Acknowledge(1))
	inflight := s.Inflight()
	require.Len(t, inflight, 1)
	assert.Equal(t, uint16(2), inflight[0].PacketID)

	err = s.Acknowledge(99)
	assert.ErrorIs(t, err, ErrNoInflight)
	assert.Len(t, s.Inflight(), 1)
}

func TestEnqueueFailedSendStillEntersRetryCycle(t *testing.T) {
	s := newConnected(t, 1, 1)
	sender := newRecordingSender()
	sender.fail = errors.New("broken pipe")
	now := time.Unix(1000, 0)

	delivery, err := s.Enqueue(&mqtt.Publish{QoS: 1, Topic: "t", PacketID: 4}, sender.send, now)
	require.NoError(t, err)
	assert.Error(t, delivery.Err)

	inflight := s.Inflight()
	require.Len(t, inflight, 1)
	assert.True(t, inflight[0].FirstSent)
	assert.Equal(t, now, inflight[0].LastSent)
}

func TestResend(t *testing.T) {
	s := newConnected(t, 1, 2)
	sender := newRecordingSender()
	start := time.Unix(1000, 0)
	interval := 5 * time.Second

	publish := &mqtt.Publish{QoS: 1, Topic: "sensors/temp", PacketID: 7, Payload: []byte("21.5")}
	_, err := s.Enqueue(publish, sender.send, start)
	require.NoError(t, err)

	resent, err := s.Resend(start.Add(interval), interval, false, sender.send)
	require.NoError(t, err)
	assert.Equal(t, 0, resent, "timer must exceed the interval")

	resent, err = s.Resend(start.Add(interval+time.Millisecond), interval, false, sender.send)
	require.NoError(t, err)
	assert.Equal(t, 1, resent)

	frames := sender.frames["h1"]
	require.Len(t, frames, 2)
	assert.Equal(t, frames[0], frames[1])

	resent, err = s.Resend(start.Add(interval+2*time.Millisecond), interval, true, sender.send)
	require.NoError(t, err)
	assert.Equal(t, 1, resent)
	assert.Equal(t, 3, s.Inflight()[0].Attempts)
}

func TestResendSkipsOfflineSession(t *testing.T) {
	table := NewTable(1, 1, 1)
	result, err := table.Connect("client", "h1", 0)
	require.NoError(t, err)
	s := result.Session
	sender := newRecordingSender()
	start := time.Unix(1000, 0)

	_, err = table.Detach("h1")
	require.NoError(t, err)

	delivery, err := s.Enqueue(&mqtt.Publish{QoS: 1, Topic: "t", PacketID: 1}, sender.send, start)
	require.NoError(t, err)
	assert.ErrorIs(t, delivery.Err, ErrOffline)

	resent, err := s.Resend(start.Add(time.Hour), time.Second, false, sender.send)
	require.NoError(t, err)
	assert.Equal(t, 0, resent)

	_, err = table.Connect("client", "h2", 0)
	require.NoError(t, err)
	resent, err = s.Resend(start.Add(time.Hour), time.Second, false, sender.send)
	require.NoError(t, err)
	assert.Equal(t, 1, resent)
	assert.Equal(t, 1, sender.count("h2"))
	assert.Equal(t, "h2", s.Inflight()[0].Handle)
}

func TestBlockedSendDoesNotStallTable(t *testing.T) {
	table := NewTable(2, 1, 2)
	slow, err := table.Connect("slow", "h-slow", 0)
	require.NoError(t, err)
	_, err = table.Connect("other", "h-other", 0)
	require.NoError(t, err)
	slow.Session.Subscribe("t")

	release := make(chan struct{})
	entered := make(chan struct{})
	blocking := func(handle string, frame []byte) error {
		close(entered)
		<-release
		return nil
	}
	defer close(release)

	sent := make(chan Delivery, 1)
	go func() {
		d, _ := slow.Session.Enqueue(&mqtt.Publish{QoS: 1, Topic: "t", PacketID: 1, Payload: []byte("x")}, blocking, time.Now())
		sent <- d
	}()
	<-entered

	// 写入阻塞期间其他会话与表操作应立即返回
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, findErr := table.FindByHandle("h-other")
		assert.NoError(t, findErr)
		assert.Len(t, table.Sessions(), 2)
		assert.True(t, slow.Session.IsSubscribed("t"))
		assert.Len(t, table.Subscribers("t", nil), 1)
		assert.NoError(t, slow.Session.Acknowledge(1))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("table operations blocked behind a stalled send")
	}

	release <- struct{}{}
	select {
	case d := <-sent:
		assert.NoError(t, d.Err)
	case <-time.After(time.Second):
		t.Fatal("enqueue did not return")
	}
}

func TestBlockedResendDoesNotHoldSessionLock(t *testing.T) {
	s := newConnected(t, 1, 2)
	sender := newRecordingSender()
	start := time.Now()
	_, err := s.Enqueue(&mqtt.Publish{QoS: 1, Topic: "t", PacketID: 3, Payload: []byte("x")}, sender.send, start)
	require.NoError(t, err)

	release := make(chan struct{})
	entered := make(chan struct{})
	blocking := func(handle string, frame []byte) error {
		close(entered)
		<-release
		return nil
	}

	resent := make(chan int, 1)
	go func() {
		n, _ := s.Resend(start.Add(time.Minute), time.Second, false, blocking)
		resent <- n
	}()
	<-entered

	acked := make(chan error, 1)
	go func() { acked <- s.Acknowledge(3) }()
	select {
	case err := <-acked:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acknowledge blocked behind a stalled resend")
	}

	close(release)
	assert.Equal(t, 1, <-resent)
	assert.Empty(t, s.Inflight())
}

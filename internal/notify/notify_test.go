package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-queue/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingNotifier struct {
	msgs []models.QueueMessage
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, msg models.QueueMessage) error {
	r.msgs = append(r.msgs, msg)
	return r.err
}

type fakePublisher struct {
	channel string
	message any
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message any) error {
	f.channel = channel
	f.message = message
	return f.err
}

func TestFanout_DeliversToEveryTransport(t *testing.T) {
	ok := &recordingNotifier{}
	failing := &recordingNotifier{err: errors.New("publish failed")}
	fanout := NewFanout(nil).Add("first", failing).Add("second", ok)

	msg := models.QueueMessage{Type: models.MessageEntryAllowed, EventID: "E", UserID: "u1"}
	err := fanout.Notify(context.Background(), msg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "first: publish failed")
	assert.Len(t, failing.msgs, 1)
	assert.Len(t, ok.msgs, 1)
	assert.Equal(t, 2, fanout.Len())
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Notify(context.Background(), models.QueueMessage{}))
}

func TestPubNub_PublishesOnUserChannel(t *testing.T) {
	pub := &fakePublisher{}
	n := NewPubNub(pub)

	msg := models.QueueMessage{ID: "m1", Type: models.MessageQueueUpdated, EventID: "E", UserID: "u7", Position: 3}
	require.NoError(t, n.Notify(context.Background(), msg))

	assert.Equal(t, "user-u7", pub.channel)
	assert.Equal(t, msg, pub.message)
}

func TestPubNub_RequiresUser(t *testing.T) {
	pub := &fakePublisher{}
	err := NewPubNub(pub).Notify(context.Background(), models.QueueMessage{ID: "m1"})

	assert.Error(t, err)
	assert.Empty(t, pub.channel)
}

func TestChannels(t *testing.T) {
	assert.Equal(t, "user-u1", UserChannel("u1"))
}

func TestRedisPublisher_Notify(t *testing.T) {
	db, mock := redismock.NewClientMock()
	publisher := NewRedisPublisher(db)

	msg := models.QueueMessage{
		ID:      "m1",
		Type:    models.MessageEntryAllowed,
		EventID: "E",
		UserID:  "u1",
		SentAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	mock.ExpectPublish(Channel, data).SetVal(1)

	require.NoError(t, publisher.Notify(context.Background(), msg))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelay_ForwardIgnoresMalformedPayload(t *testing.T) {
	hub := NewHub(testLogger())
	relay := &Relay{hub: hub, logger: testLogger()}

	assert.NotPanics(t, func() { relay.forward("{not json") })
}

func newTestRelay(client *redis.Client, hub *Hub) *Relay {
	relay := NewRelay(client, hub, testLogger())
	relay.minBackoff = 10 * time.Millisecond
	relay.maxBackoff = 40 * time.Millisecond
	return relay
}

func TestRelay_RetriesUntilRedisIsBack(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	hub := NewHub(testLogger())
	conn := dialHub(t, hub, "E", "alice")
	require.Eventually(t, func() bool { return hub.Connections("E") == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		newTestRelay(client, hub).Run(ctx)
		close(done)
	}()

	// Let a few subscription attempts fail before the server comes back.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("relay gave up while redis was down")
	default:
	}

	require.NoError(t, mr.Restart())
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(Channel)[Channel] == 1
	}, 2*time.Second, 10*time.Millisecond)

	data, err := json.Marshal(models.QueueMessage{ID: "m1", Type: models.MessageEntryAllowed, EventID: "E", UserID: "alice"})
	require.NoError(t, err)
	mr.Publish(Channel, string(data))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var got models.QueueMessage
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, "m1", got.ID)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after cancel")
	}
}

func TestRelay_StopsWhileWaitingToRetry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	relay := newTestRelay(client, NewHub(testLogger()))
	relay.minBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after cancel")
	}
}

func dialHub(t *testing.T, hub *Hub, eventID, userID string) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(w, r, r.URL.Query().Get("event"), r.URL.Query().Get("user"))
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?event=" + eventID + "&user=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_DeliversOnlyToAddressedUser(t *testing.T) {
	hub := NewHub(testLogger())

	alice := dialHub(t, hub, "E", "alice")
	bob := dialHub(t, hub, "E", "bob")

	require.Eventually(t, func() bool { return hub.Connections("E") == 2 }, time.Second, 5*time.Millisecond)

	delivered := hub.Deliver(models.QueueMessage{ID: "m1", Type: models.MessageEntryAllowed, EventID: "E", UserID: "alice"})
	assert.Equal(t, 1, delivered)

	_ = alice.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := alice.ReadMessage()
	require.NoError(t, err)

	var got models.QueueMessage
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "m1", got.ID)
	assert.Equal(t, models.MessageEntryAllowed, got.Type)

	_ = bob.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = bob.ReadMessage()
	assert.Error(t, err)
}

func TestHub_OtherEventIsIsolated(t *testing.T) {
	hub := NewHub(testLogger())
	dialHub(t, hub, "E1", "alice")

	require.Eventually(t, func() bool { return hub.Connections("E1") == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, hub.Deliver(models.QueueMessage{EventID: "E2", UserID: "alice"}))
	assert.NoError(t, hub.Notify(context.Background(), models.QueueMessage{EventID: "E2", UserID: "alice"}))
}

func TestHub_UnregistersOnDisconnect(t *testing.T) {
	hub := NewHub(testLogger())
	conn := dialHub(t, hub, "E", "alice")

	require.Eventually(t, func() bool { return hub.Connections("E") == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Connections("E") == 0 }, time.Second, 5*time.Millisecond)
}

package push

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay/internal/a2a"
	"github.com/relaymesh/relay/internal/common/logger"
)

func newPushTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

type receivedPush struct {
	auth string
	body []byte
}

func newWebhook(t *testing.T) (*httptest.Server, <-chan receivedPush) {
	t.Helper()
	received := make(chan receivedPush, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- receivedPush{auth: r.Header.Get("Authorization"), body: body}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, received
}

func testTask(t *testing.T, id string) *a2a.Task {
	t.Helper()
	task, err := a2a.NewTask(id, "c1")
	require.NoError(t, err)
	return task
}

func TestSender_NotifyPostsSnapshot(t *testing.T) {
	srv, received := newWebhook(t)

	store := NewConfigStore()
	store.Set("t1", a2a.PushNotificationConfig{URL: srv.URL, Token: "s3cret"})

	sender := NewSender(store, nil, time.Second, newPushTestLogger(t))
	task := testTask(t, "t1")
	sender.Notify(context.Background(), task, a2a.NewStatusUpdate("t1", "c1", a2a.TaskStateWorking, nil))

	select {
	case got := <-received:
		assert.Equal(t, "Bearer s3cret", got.auth)
		var posted a2a.Task
		require.NoError(t, json.Unmarshal(got.body, &posted))
		assert.Equal(t, "t1", posted.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never called")
	}
}

func TestSender_EventKindFilter(t *testing.T) {
	srv, received := newWebhook(t)

	store := NewConfigStore()
	store.Set("t1", a2a.PushNotificationConfig{
		URL:        srv.URL,
		EventKinds: []a2a.EventKind{a2a.KindStatusUpdate},
	})

	sender := NewSender(store, nil, time.Second, newPushTestLogger(t))
	task := testTask(t, "t1")

	artifact, err := a2a.NewArtifact("out", []a2a.Part{a2a.TextPart("x")})
	require.NoError(t, err)
	sender.Notify(context.Background(), task, &a2a.TaskArtifactUpdateEvent{TaskID: "t1", ContextID: "c1", Artifact: *artifact})
	sender.Notify(context.Background(), task, a2a.NewStatusUpdate("t1", "c1", a2a.TaskStateWorking, nil))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("status update should have been delivered")
	}
	select {
	case <-received:
		t.Fatal("artifact update should have been filtered out")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSender_NoConfigsNoCalls(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	sender := NewSender(NewConfigStore(), nil, time.Second, newPushTestLogger(t))
	sender.Notify(context.Background(), testTask(t, "t1"), a2a.NewStatusUpdate("t1", "c1", a2a.TaskStateWorking, nil))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls)
}

func TestSender_FailuresDoNotPropagate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := NewConfigStore()
	store.Set("t1", a2a.PushNotificationConfig{URL: srv.URL})

	sender := NewSender(store, nil, time.Second, newPushTestLogger(t))
	// Must not panic or block.
	sender.Notify(context.Background(), testTask(t, "t1"), a2a.NewStatusUpdate("t1", "c1", a2a.TaskStateWorking, nil))
	time.Sleep(50 * time.Millisecond)
}

func TestSender_MultipleConfigsAllDelivered(t *testing.T) {
	var mu sync.Mutex
	hits := map[string]int{}
	handler := func(name string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			hits[name]++
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		}
	}
	srv1 := httptest.NewServer(handler("one"))
	defer srv1.Close()
	srv2 := httptest.NewServer(handler("two"))
	defer srv2.Close()

	store := NewConfigStore()
	store.Set("t1", a2a.PushNotificationConfig{URL: srv1.URL})
	store.Set("t1", a2a.PushNotificationConfig{URL: srv2.URL})

	sender := NewSender(store, nil, time.Second, newPushTestLogger(t))
	sender.Notify(context.Background(), testTask(t, "t1"), a2a.NewStatusUpdate("t1", "c1", a2a.TaskStateWorking, nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hits["one"] == 1 && hits["two"] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

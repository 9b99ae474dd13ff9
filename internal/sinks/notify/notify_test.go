package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sharewatch/internal/models"
)

type fakeTransport struct {
	mu     sync.Mutex
	events []models.DomainEvent
	err    error
	closed bool
}

func (f *fakeTransport) name() string { return "fake" }

func (f *fakeTransport) send(event models.DomainEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeTransport) Close() { f.closed = true }

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestSenderDeliversToAllTransports(t *testing.T) {
	ft := &fakeTransport{}
	sender := New(ft)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go sender.Run(ctx, &wg, 2)

	sender.Send(models.DomainEvent{Type: models.EventViolatorOnset, Email: "alice@x", At: time.Now()})

	require.Eventually(t, func() bool { return ft.count() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
}

func TestSenderClosesTransportsImplementingCloser(t *testing.T) {
	ft := &fakeTransport{}
	sender := New(ft)
	sender.Close()
	require.True(t, ft.closed)
}

func TestNoOpSendDoesNothing(t *testing.T) {
	var n Notify = NoOp{}
	n.Send(models.DomainEvent{Type: models.EventBanlistCleared, Email: "alice@x"})
}

func TestWebhookTransportPostsJSONPayload(t *testing.T) {
	var received models.DomainEvent
	var authHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wt := NewWebhookTransport(srv.URL, "tok123")
	event := models.DomainEvent{Type: models.EventBanlistAdded, Email: "bob@y", At: time.Now()}
	require.NoError(t, wt.send(event))
	require.Equal(t, "bob@y", received.Email)
	require.Equal(t, "Bearer tok123", authHeader)
}

func TestWebhookTransportReturnsErrorOnServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wt := NewWebhookTransport(srv.URL, "")
	err := wt.send(models.DomainEvent{Type: models.EventViolatorOnset, Email: "alice@x"})
	require.Error(t, err)
}

func TestSenderDropsEventWhenQueueFull(t *testing.T) {
	ft := &fakeTransport{}
	sender := New(ft)

	for i := 0; i < queueBufferSize+10; i++ {
		sender.Send(models.DomainEvent{Type: models.EventViolatorOnset, Email: fmt.Sprintf("user%d@x", i)})
	}

	require.LessOrEqual(t, len(sender.queue), queueBufferSize)
}

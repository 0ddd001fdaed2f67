package broadcast

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Nzyazin/ledger/internal/core/logger"
	"github.com/Nzyazin/ledger/internal/core/models"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(typ models.EventType) models.WalletEvent {
	return models.WalletEvent{Type: typ, UserID: "alice", Amount: "1.000", Balance: "1.000"}
}

func fixedUser(id string) UserFunc {
	return func(*http.Request) (string, bool) { return id, id != "" }
}

func TestHubFanOut(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(4, nil, logger.NewNop())

	first, err := hub.Subscribe("alice")
	require.NoError(t, err)
	second, err := hub.Subscribe("alice")
	require.NoError(t, err)
	other, err := hub.Subscribe("bob")
	require.NoError(t, err)
	assert.Equal(t, 2, hub.Subscribers("alice"))

	require.NoError(t, hub.Publish(ctx, "alice", event(models.EventDeposit)))
	assert.Equal(t, models.EventDeposit, (<-first.C).Type)
	assert.Equal(t, models.EventDeposit, (<-second.C).Type)
	assert.Empty(t, other.C)

	hub.Unsubscribe(first)
	hub.Unsubscribe(first)
	_, open := <-first.C
	assert.False(t, open)
	assert.Equal(t, 1, hub.Subscribers("alice"))
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(1, nil, logger.NewNop())
	sub, err := hub.Subscribe("alice")
	require.NoError(t, err)

	require.NoError(t, hub.Publish(ctx, "alice", event(models.EventDeposit)))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Publish(ctx, "alice", event(models.EventTransferIn))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	assert.Equal(t, models.EventDeposit, (<-sub.C).Type)
	assert.Empty(t, sub.C)
}

func TestHubClose(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(0, nil, logger.NewNop())
	sub, err := hub.Subscribe("alice")
	require.NoError(t, err)

	hub.Close()
	hub.Close()
	_, open := <-sub.C
	assert.False(t, open)
	hub.Unsubscribe(sub)

	assert.ErrorIs(t, hub.Publish(ctx, "alice", event(models.EventDeposit)), ErrHubClosed)
	_, err = hub.Subscribe("alice")
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestSSEHandler(t *testing.T) {
	hub := NewHub(4, nil, logger.NewNop())
	srv := httptest.NewServer(SSEHandler(hub, fixedUser("alice"), logger.NewNop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return hub.Subscribers("alice") == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Publish(context.Background(), "alice", event(models.EventCommission)))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: commission\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	payload, found := strings.CutPrefix(strings.TrimSpace(line), "data: ")
	require.True(t, found)
	var got models.WalletEvent
	require.NoError(t, json.Unmarshal([]byte(payload), &got))
	assert.Equal(t, "1.000", got.Amount)

	// closing the hub ends the stream
	hub.Close()
	_, _ = reader.ReadString('\n')
	_, err = reader.ReadString('\n')
	assert.Error(t, err)
}

func TestSSEHandlerRequiresUser(t *testing.T) {
	hub := NewHub(4, nil, logger.NewNop())
	rec := httptest.NewRecorder()
	SSEHandler(hub, fixedUser(""), logger.NewNop())(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebSocketHandler(t *testing.T) {
	hub := NewHub(4, nil, logger.NewNop())
	srv := httptest.NewServer(WebSocketHandler(hub, fixedUser("alice"), nil, logger.NewNop()))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers("alice") == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Publish(context.Background(), "alice", event(models.EventTransferIn)))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got models.WalletEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, models.EventTransferIn, got.Type)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers("alice") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketHandlerChecksOrigin(t *testing.T) {
	hub := NewHub(4, nil, logger.NewNop())
	srv := httptest.NewServer(WebSocketHandler(hub, fixedUser("alice"), []string{"https://app.example.com"}, logger.NewNop()))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	dial := func(origin string) (*http.Response, error) {
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{origin}})
		if conn != nil {
			conn.Close()
		}
		return resp, err
	}

	resp, err := dial("https://evil.example.com")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, err = dial("https://app.example.com")
	assert.NoError(t, err)
	_, err = dial(srv.URL)
	assert.NoError(t, err)
}

func TestOriginChecker(t *testing.T) {
	check := OriginChecker([]string{"https://App.example.com/"})
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://api.example.com/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, check(req("")))
	assert.True(t, check(req("http://api.example.com")))
	assert.True(t, check(req("https://app.example.com")))
	assert.False(t, check(req("https://app.example.com.evil.io")))
	assert.False(t, check(req("null")))
}

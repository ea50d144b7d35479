package notify

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	return dialURL(t, srv.URL)
}

func dialURL(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http")
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestHub_SendToUserDeliversOnlyToThatOwnersSockets(t *testing.T) {
	h := New(testLogger())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.URL.Query().Get("owner")
		_ = h.ServeWS(w, r, owner)
	}))
	defer srv.Close()

	ca := dialURL(t, srv.URL+queryFor("a"))
	cb := dialURL(t, srv.URL+queryFor("b"))
	_ = cb

	waitForConnectionCount(t, h, "a", 1)
	waitForConnectionCount(t, h, "b", 1)

	h.Notify("a", map[string]any{"status": "running", "job_id": "j1"})

	ca.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := ca.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"job_id":"j1"`)

	cb.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = cb.ReadMessage()
	assert.Error(t, err, "owner b should not receive owner a's event")
}

func TestHub_UnregisterOnDisconnect(t *testing.T) {
	h := New(testLogger())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.ServeWS(w, r, "owner-a")
	}))
	defer srv.Close()

	c := dial(t, srv.URL)
	waitForConnectionCount(t, h, "owner-a", 1)

	c.Close()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && h.ConnectionCount("owner-a") != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, h.ConnectionCount("owner-a"))
}

func TestHub_RejectUnauthorizedClosesWithBetaGateCode(t *testing.T) {
	h := New(testLogger())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.RejectUnauthorized(w, r)
	}))
	defer srv.Close()

	c := dial(t, srv.URL)
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	require.Error(t, err)

	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close error, got %T: %v", err, err)
	assert.Equal(t, betaGateCloseCode, closeErr.Code)
}

func queryFor(owner string) string {
	return "?owner=" + owner
}

func waitForConnectionCount(t *testing.T, h *Hub, owner string, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.ConnectionCount(owner) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection count for %s never reached %d, got %d", owner, want, h.ConnectionCount(owner))
}

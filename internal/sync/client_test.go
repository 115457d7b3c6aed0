package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evcraddock/todufit-go/internal/docstore"
	"github.com/evcraddock/todufit-go/internal/identity"
	"github.com/evcraddock/todufit-go/internal/wire"
)

func newTestClient(t *testing.T, serverURL string) (*Client, *docstore.Store) {
	t.Helper()

	store := docstore.New(t.TempDir())

	client, err := NewClient(store, Options{
		ServerURL: serverURL,
		APIKey:    "test-key",
	})
	require.NoError(t, err)

	return client, store
}

func TestNewClient_RequiresServerURL(t *testing.T) {
	_, err := NewClient(docstore.New(t.TempDir()), Options{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestFetchMe(t *testing.T) {
	var gotAuth string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/me", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user_id":"alice","group_id":"family1"}`))
	}))
	defer ts.Close()

	client, _ := newTestClient(t, ts.URL)

	me, err := client.FetchMe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "alice", me.UserID)
	assert.Equal(t, "family1", me.GroupID)
}

func TestFetchMe_Cached(t *testing.T) {
	calls := 0

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++

		_, _ = w.Write([]byte(`{"user_id":"alice","group_id":"family1"}`))
	}))
	defer ts.Close()

	client, _ := newTestClient(t, ts.URL)

	_, err := client.FetchMe(context.Background())
	require.NoError(t, err)

	_, err = client.FetchMe(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

func TestFetchMe_Unauthorized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer ts.Close()

	client, _ := newTestClient(t, ts.URL)

	_, err := client.FetchMe(context.Background())
	assert.ErrorIs(t, err, ErrHTTP)
}

func TestSyncAll_Uninitialized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"user_id":"alice","group_id":"family1"}`))
	}))
	defer ts.Close()

	client, _ := newTestClient(t, ts.URL)

	_, err := client.SyncAll(context.Background())
	assert.ErrorIs(t, err, identity.ErrNotInitialized)
}

// fakeRelay answers /me and runs a scripted websocket exchange.
func fakeRelay(t *testing.T, onWS func(ctx context.Context, ws *websocket.Conn)) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("/me", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"user_id":"alice","group_id":"family1"}`))
	})

	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		onWS(r.Context(), ws)
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return ts
}

// readJoin consumes and decodes the client's join frame.
func readJoin(t *testing.T, ctx context.Context, ws *websocket.Conn) *wire.Join {
	t.Helper()

	_, data, err := ws.Read(ctx)
	require.NoError(t, err)

	msg, err := wire.Decode(data)
	require.NoError(t, err)

	join, ok := msg.(*wire.Join)
	require.True(t, ok)

	return join
}

func TestSyncAll_HandshakeErrorReply(t *testing.T) {
	ts := fakeRelay(t, func(ctx context.Context, ws *websocket.Conn) {
		readJoin(t, ctx, ws)

		frame, err := wire.Encode(wire.NewError("key revoked"))
		require.NoError(t, err)
		require.NoError(t, ws.Write(ctx, websocket.MessageBinary, frame))

		ws.Close(websocket.StatusNormalClosure, "")
	})

	client, store := newTestClient(t, ts.URL)

	manager := identity.NewManager(store)
	_, err := manager.InitializeNew()
	require.NoError(t, err)

	_, err = client.SyncAll(context.Background())
	assert.ErrorIs(t, err, ErrHandshake)
	assert.Contains(t, err.Error(), "key revoked")
}

func TestSyncAll_HandshakeTargetMismatch(t *testing.T) {
	ts := fakeRelay(t, func(ctx context.Context, ws *websocket.Conn) {
		readJoin(t, ctx, ws)

		frame, err := wire.Encode(wire.NewPeer("server", "someone-else"))
		require.NoError(t, err)
		require.NoError(t, ws.Write(ctx, websocket.MessageBinary, frame))

		// Hold the socket open so the failure is the mismatch, not a close.
		time.Sleep(200 * time.Millisecond)
		ws.Close(websocket.StatusNormalClosure, "")
	})

	client, store := newTestClient(t, ts.URL)

	manager := identity.NewManager(store)
	_, err := manager.InitializeNew()
	require.NoError(t, err)

	_, err = client.SyncAll(context.Background())
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestSyncAll_IdleSessionsComplete(t *testing.T) {
	// A relay that answers the handshake but never replies to any session:
	// every document finishes via the idle timeout with no update.
	ts := fakeRelay(t, func(ctx context.Context, ws *websocket.Conn) {
		join := readJoin(t, ctx, ws)

		frame, err := wire.Encode(wire.NewPeer("server-peer", join.SenderID))
		require.NoError(t, err)
		require.NoError(t, ws.Write(ctx, websocket.MessageBinary, frame))

		// Consume frames until the client disconnects.
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	})

	client, store := newTestClient(t, ts.URL)

	manager := identity.NewManager(store)
	_, err := manager.InitializeNew()
	require.NoError(t, err)

	start := time.Now()

	result, err := client.SyncAll(context.Background())
	require.NoError(t, err)

	// identity + meallogs, no groups.
	require.Len(t, result.Documents, 2)
	assert.Equal(t, "identity", result.Documents[0].Name)
	assert.Equal(t, "meallogs", result.Documents[1].Name)

	for _, doc := range result.Documents {
		assert.NoError(t, doc.Err)
		assert.False(t, doc.Updated)
		assert.Equal(t, 1, doc.Rounds)
	}

	// Two sessions, one idle window each, plus slack.
	elapsed := time.Since(start)
	assert.Greater(t, elapsed, 2*docIdleTimeout)
	assert.Less(t, elapsed, 4*docIdleTimeout)
}

func TestSyncAll_ConcurrentSessionRefused(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"user_id":"alice","group_id":"family1"}`))
	}))
	defer ts.Close()

	client, store := newTestClient(t, ts.URL)

	manager := identity.NewManager(store)
	_, err := manager.InitializeNew()
	require.NoError(t, err)

	release, err := lockDataDir(store.Dir())
	require.NoError(t, err)
	defer release()

	_, err = client.SyncAll(context.Background())
	assert.ErrorIs(t, err, ErrConcurrentSession)
}

package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evcraddock/todufit-go/internal/wire"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	server, err := NewServer(Config{
		DataDir: t.TempDir(),
		Keys: map[string]Auth{
			"alice-key": {UserID: "alice", GroupID: "family1"},
			"bob-key":   {UserID: "bob", GroupID: "family1"},
		},
	})
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return server, ts
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{Keys: map[string]Auth{"k": {}}})
	assert.Error(t, err)

	_, err = NewServer(Config{DataDir: t.TempDir()})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMe_Authorized(t *testing.T) {
	_, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer alice-key")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "alice", body["user_id"])
	assert.Equal(t, "family1", body["group_id"])
}

func TestMe_Unauthorized(t *testing.T) {
	_, ts := newTestServer(t)

	for _, header := range []string{"", "Bearer wrong-key", "Basic alice-key"} {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/me", nil)
		require.NoError(t, err)

		if header != "" {
			req.Header.Set("Authorization", header)
		}

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "header %q", header)
	}
}

func TestSync_BadKeyRejected(t *testing.T) {
	_, ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, ts.URL+"/sync?key=wrong", nil)
	require.Error(t, err)

	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

// dialAndJoin opens a websocket and completes the join/peer handshake.
func dialAndJoin(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()

	ws, _, err := websocket.Dial(ctx, url+"/sync?key=alice-key", nil)
	require.NoError(t, err)

	frame, err := wire.Encode(wire.NewJoin("test-peer"))
	require.NoError(t, err)
	require.NoError(t, ws.Write(ctx, websocket.MessageBinary, frame))

	_, data, err := ws.Read(ctx)
	require.NoError(t, err)

	msg, err := wire.Decode(data)
	require.NoError(t, err)

	peer, ok := msg.(*wire.Peer)
	require.True(t, ok, "expected peer reply, got %s", msg.Kind())
	assert.Equal(t, "test-peer", peer.TargetID)
	assert.Equal(t, wire.ProtocolVersion, peer.SelectedProtocolVersion)

	return ws
}

func TestSync_Handshake(t *testing.T) {
	_, ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := dialAndJoin(t, ctx, ts.URL)
	ws.Close(websocket.StatusNormalClosure, "")
}

func TestSync_NonJoinFirstFrameRejected(t *testing.T) {
	_, ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, ts.URL+"/sync?key=alice-key", nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	frame, err := wire.Encode(wire.NewLeave("test-peer"))
	require.NoError(t, err)
	require.NoError(t, ws.Write(ctx, websocket.MessageBinary, frame))

	_, data, err := ws.Read(ctx)
	require.NoError(t, err)

	msg, err := wire.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, wire.KindError, msg.Kind())
}

func TestSync_UnknownFrameTypeSkipped(t *testing.T) {
	_, ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := dialAndJoin(t, ctx, ts.URL)
	defer ws.Close(websocket.StatusNormalClosure, "")

	// A frame with an unrecognized type tag is logged and skipped.
	unknown, err := cbor.Marshal(map[string]any{"type": "ephemeral", "x": 1})
	require.NoError(t, err)
	require.NoError(t, ws.Write(ctx, websocket.MessageBinary, unknown))

	// The connection is still usable: a leave is accepted without an error
	// reply, and a subsequent read yields a clean close rather than an
	// error frame.
	frame, err := wire.Encode(wire.NewLeave("test-peer"))
	require.NoError(t, err)
	require.NoError(t, ws.Write(ctx, websocket.MessageBinary, frame))

	_, _, err = ws.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestSync_MalformedFrameClosesWithError(t *testing.T) {
	_, ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := dialAndJoin(t, ctx, ts.URL)
	defer ws.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, ws.Write(ctx, websocket.MessageBinary, []byte{0xff, 0x00}))

	_, data, err := ws.Read(ctx)
	require.NoError(t, err)

	msg, err := wire.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, wire.KindError, msg.Kind())
}

func TestResolveScope(t *testing.T) {
	auth := Auth{UserID: "alice", GroupID: "family1"}

	assert.Equal(t, "alice", resolveScope(auth, "identity"))
	assert.Equal(t, "alice", resolveScope(auth, "meallogs"))
	assert.Equal(t, "family1", resolveScope(auth, "group"))
	assert.Equal(t, "family1", resolveScope(auth, "dishes"))
	assert.Equal(t, "family1", resolveScope(auth, "mealplans"))
	assert.Equal(t, "family1", resolveScope(auth, "shopping"))
}

func TestSync_TraversalDocTypeRejected(t *testing.T) {
	server, ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := dialAndJoin(t, ctx, ts.URL)
	defer ws.Close(websocket.StatusNormalClosure, "")

	frame, err := wire.Encode(wire.NewRequest("someid", "test-peer", server.peerID, "../etc", nil))
	require.NoError(t, err)
	require.NoError(t, ws.Write(ctx, websocket.MessageBinary, frame))

	_, data, err := ws.Read(ctx)
	require.NoError(t, err)

	msg, err := wire.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, wire.KindError, msg.Kind())
}

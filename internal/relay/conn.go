package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/evcraddock/todufit-go/internal/crdt"
	"github.com/evcraddock/todufit-go/internal/docid"
	"github.com/evcraddock/todufit-go/internal/wire"
)

// docSession is one connection's sync session for one document: a
// per-connection sync state over the shared document handle, plus the
// broadcast subscription that wakes this connection when other writers
// change the document.
type docSession struct {
	key    topicKey
	handle *docHandle
	state  *crdt.SyncState
	sub    *Subscription
}

// clientConn is the server side of one websocket connection.
type clientConn struct {
	server *Server
	ws     *websocket.Conn
	auth   Auth

	// id tags this connection's broadcasts so it can skip its own echo.
	id string
	// peerID is the client's sender id, learned from its join frame.
	peerID string

	sessions map[string]*docSession

	writeMu   sync.Mutex
	listeners sync.WaitGroup

	logger *slog.Logger
}

// newClientConn wraps an accepted websocket.
func newClientConn(server *Server, ws *websocket.Conn, auth Auth) *clientConn {
	id := uuid.NewString()

	return &clientConn{
		server:   server,
		ws:       ws,
		auth:     auth,
		id:       id,
		sessions: make(map[string]*docSession),
		logger:   server.logger.With(slog.String("conn", id[:8])),
	}
}

// serve runs the connection state machine: AwaitJoin, then Ready until the
// client leaves or the connection drops.
func (c *clientConn) serve(ctx context.Context) {
	defer c.teardown()

	if !c.awaitJoin(ctx) {
		return
	}

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			// Client went away; subscriptions are dropped in teardown.
			c.logger.Debug("connection closed", slog.String("error", err.Error()))
			return
		}

		msg, err := wire.Decode(data)
		if err != nil {
			if errors.Is(err, wire.ErrUnknownType) {
				// Forward compatibility: skip and keep the connection.
				c.logger.Info("skipping frame with unknown type", slog.String("error", err.Error()))
				continue
			}

			c.closeWithError(ctx, "malformed frame")

			return
		}

		framesTotal.WithLabelValues(string(msg.Kind())).Inc()

		switch m := msg.(type) {
		case *wire.Request:
			if err := c.handleDocFrame(ctx, m.DocumentID, m.DocType, m.Data); err != nil {
				c.closeWithError(ctx, err.Error())
				return
			}

		case *wire.Sync:
			if err := c.handleDocFrame(ctx, m.DocumentID, "", m.Data); err != nil {
				c.closeWithError(ctx, err.Error())
				return
			}

		case *wire.Leave:
			c.logger.Debug("client left")
			return

		default:
			// join/peer/doc-unavailable/error have no meaning server-side
			// once the handshake is done.
			c.logger.Debug("ignoring unexpected frame", slog.String("kind", string(msg.Kind())))
		}
	}
}

// awaitJoin consumes the handshake opener. Anything other than a join with
// a supported protocol version gets an error reply and a close.
func (c *clientConn) awaitJoin(ctx context.Context) bool {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return false
	}

	msg, err := wire.Decode(data)
	if err != nil {
		c.closeWithError(ctx, "expected join")
		return false
	}

	join, ok := msg.(*wire.Join)
	if !ok {
		c.closeWithError(ctx, "expected join")
		return false
	}

	if !slices.Contains(join.SupportedProtocolVersions, wire.ProtocolVersion) {
		c.closeWithError(ctx, "no common protocol version")
		return false
	}

	c.peerID = join.SenderID

	if err := c.send(ctx, wire.NewPeer(c.server.peerID, join.SenderID)); err != nil {
		return false
	}

	c.logger.Debug("peer joined",
		slog.String("peer", join.SenderID),
		slog.String("user", c.auth.UserID),
	)

	return true
}

// handleDocFrame processes one request or sync frame for a document:
// ensure a session exists, apply the client's sync message under the
// document lock, persist and broadcast on change, and reply with the next
// outbound sync message if there is one.
//
// A returned error closes the connection; authorization refusals reply
// doc-unavailable instead and keep it open.
func (c *clientConn) handleDocFrame(ctx context.Context, docIDText, docType string, data []byte) error {
	sess, ok := c.sessions[docIDText]
	if !ok {
		var err error

		sess, err = c.openSession(ctx, docIDText, docType)
		if err != nil {
			return err
		}

		if sess == nil {
			// Refused: doc-unavailable already sent.
			return nil
		}
	}

	h := sess.handle

	h.mu.Lock()

	headsBefore := h.doc.Heads()

	// An empty payload is a bare session opener: nothing to apply yet.
	if len(data) > 0 {
		if err := sess.state.ReceiveMessage(data); err != nil {
			h.mu.Unlock()
			return fmt.Errorf("invalid sync message: %w", err)
		}
	}

	changed := !headsBefore.Equal(h.doc.Heads())

	if changed {
		if err := c.server.storage.Save(sess.key.scope, sess.key.kind, h.doc); err != nil {
			h.mu.Unlock()
			return fmt.Errorf("storage failure: %w", err)
		}

		documentsSavedTotal.Inc()
	}

	if changed {
		c.server.hub.Publish(Update{Scope: sess.key.scope, Kind: sess.key.kind, Origin: c.id})
		broadcastsTotal.Inc()
	}

	reply, hasReply := sess.state.GenerateMessage()

	h.mu.Unlock()

	if hasReply {
		if err := c.send(ctx, wire.NewSync(docIDText, c.server.peerID, c.peerID, reply)); err != nil {
			return err
		}
	}

	return nil
}

// openSession resolves authorization and builds the per-connection session
// for a document. Returns (nil, nil) after replying doc-unavailable when
// the key has no scope for the document.
func (c *clientConn) openSession(ctx context.Context, docIDText, docType string) (*docSession, error) {
	scope, kind, ok := c.resolveDocument(docIDText, docType)
	if !ok {
		c.logger.Info("refusing document",
			slog.String("doc", docIDText),
			slog.String("doc_type", docType),
		)

		if err := c.send(ctx, wire.NewDocUnavailable(docIDText, c.server.peerID, c.peerID)); err != nil {
			return nil, err
		}

		return nil, nil
	}

	// Path validation happens before any filesystem access.
	if err := validatePathPart(scope); err != nil {
		return nil, err
	}

	if err := validatePathPart(kind); err != nil {
		return nil, err
	}

	key := topicKey{scope: scope, kind: kind}
	h := c.server.handle(key)

	h.mu.Lock()

	if !h.loaded {
		doc, err := c.server.storage.Load(scope, kind)
		if err != nil {
			h.mu.Unlock()
			return nil, err
		}

		if doc == nil {
			doc, err = crdt.NewDoc()
			if err != nil {
				h.mu.Unlock()
				return nil, err
			}
		}

		h.doc = doc
		h.loaded = true
	}

	sess := &docSession{
		key:    key,
		handle: h,
		state:  h.doc.NewSyncState(),
		sub:    c.server.hub.Subscribe(scope, kind),
	}

	h.mu.Unlock()

	c.sessions[docIDText] = sess

	c.listeners.Add(1)

	go c.listenUpdates(ctx, docIDText, sess)

	return sess, nil
}

// resolveDocument maps a frame to (owner scope, document kind). Request
// frames carry a docType label; sync frames without a prior session fall
// back to the derivation table of well-known document ids for this key.
func (c *clientConn) resolveDocument(docIDText, docType string) (scope, kind string, ok bool) {
	if docType != "" {
		scope = resolveScope(c.auth, docType)
		return scope, docType, scope != ""
	}

	for derivedScope, kinds := range map[string][]string{
		c.auth.UserID:  {"meallogs"},
		c.auth.GroupID: {"dishes", "mealplans", "shopping"},
	} {
		if derivedScope == "" {
			continue
		}

		for _, k := range kinds {
			if docid.Derive(derivedScope, k).String() == docIDText {
				return derivedScope, k, true
			}
		}
	}

	return "", "", false
}

// listenUpdates pushes a fresh sync message to the client whenever another
// connection changes the document.
func (c *clientConn) listenUpdates(ctx context.Context, docIDText string, sess *docSession) {
	defer c.listeners.Done()

	for update := range sess.sub.C {
		if update.Origin == c.id {
			continue
		}

		h := sess.handle

		h.mu.Lock()
		msg, ok := sess.state.GenerateMessage()
		h.mu.Unlock()

		if !ok {
			continue
		}

		if err := c.send(ctx, wire.NewSync(docIDText, c.server.peerID, c.peerID, msg)); err != nil {
			return
		}
	}
}

// send encodes and writes one frame; writes are serialized because both the
// read loop and the update listeners produce them.
func (c *clientConn) send(ctx context.Context, msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.ws.Write(ctx, websocket.MessageBinary, data)
}

// closeWithError sends a best-effort error frame and closes the connection.
func (c *clientConn) closeWithError(ctx context.Context, message string) {
	c.logger.Warn("closing connection", slog.String("reason", message))

	_ = c.send(ctx, wire.NewError(message))
	_ = c.ws.Close(websocket.StatusPolicyViolation, "")
}

// teardown drops all subscriptions (ending their listener goroutines),
// releases unused document handles, and closes the socket.
func (c *clientConn) teardown() {
	for _, sess := range c.sessions {
		sess.sub.Close()
	}

	c.listeners.Wait()

	for _, sess := range c.sessions {
		c.server.releaseDoc(sess.key)
	}

	_ = c.ws.Close(websocket.StatusNormalClosure, "")
}

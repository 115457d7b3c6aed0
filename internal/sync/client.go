// Package sync implements the relay-facing sync client: one websocket
// connection per sync run, a join/peer handshake, and a serial two-party
// CRDT sync session for every document the identity references.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/evcraddock/todufit-go/internal/crdt"
	"github.com/evcraddock/todufit-go/internal/docid"
	"github.com/evcraddock/todufit-go/internal/docstore"
	"github.com/evcraddock/todufit-go/internal/identity"
	"github.com/evcraddock/todufit-go/internal/wire"
)

// handshakeTimeout bounds the wait for the server's peer reply.
const handshakeTimeout = 10 * time.Second

// docIdleTimeout is how long a per-document session waits for the next
// frame before concluding the document is in sync and moving on. Only the
// current session ends; the connection stays up.
const docIdleTimeout = 2 * time.Second

// frameBuffer sizes the reader goroutine's hand-off channel.
const frameBuffer = 32

// Me is the relay's identity answer for an API key.
type Me struct {
	UserID  string `json:"user_id"`
	GroupID string `json:"group_id"`
}

// DocSyncResult reports one per-document session. Err is nil for a clean
// session; a failed session aborts only itself unless the failure is
// transport- or identity-level.
type DocSyncResult struct {
	Name    string
	DocType string
	Updated bool
	Rounds  int
	Err     error
}

// Result reports a full sync run.
type Result struct {
	Documents []DocSyncResult
}

// AnyUpdated reports whether any session merged remote changes.
func (r *Result) AnyUpdated() bool {
	for _, d := range r.Documents {
		if d.Updated {
			return true
		}
	}

	return false
}

// Options configures a Client.
type Options struct {
	ServerURL  string
	APIKey     string
	HTTPClient *http.Client // nil means http.DefaultClient
	Logger     *slog.Logger // nil means slog.Default()
	Hook       ProjectionHook
}

// Client syncs every document the local identity references with the relay.
// One sync run at a time; the data directory is flock-guarded against
// concurrent runs from other processes.
type Client struct {
	serverURL string
	apiKey    string
	http      *http.Client
	logger    *slog.Logger
	hook      ProjectionHook

	store   *docstore.Store
	manager *identity.Manager

	// me is cached for the client's lifetime after the first fetch.
	me *Me
}

// NewClient builds a sync client over the given store.
func NewClient(store *docstore.Store, opts Options) (*Client, error) {
	if opts.ServerURL == "" {
		return nil, ErrNotConfigured
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		serverURL: opts.ServerURL,
		apiKey:    opts.APIKey,
		http:      httpClient,
		logger:    logger,
		hook:      opts.Hook,
		store:     store,
		manager:   identity.NewManager(store),
	}, nil
}

// ServerURL returns the configured relay URL.
func (c *Client) ServerURL() string {
	return c.serverURL
}

// FetchMe returns the relay identity (user id, group id) for the configured
// API key, caching the answer for the client's lifetime.
func (c *Client) FetchMe(ctx context.Context) (Me, error) {
	if c.me != nil {
		return *c.me, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buildHTTPURL(c.serverURL, "/me"), nil)
	if err != nil {
		return Me{}, fmt.Errorf("%w: building /me request: %w", ErrHTTP, err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return Me{}, fmt.Errorf("%w: %w", ErrHTTP, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Me{}, fmt.Errorf("%w: /me returned status %d", ErrHTTP, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Me{}, fmt.Errorf("%w: reading /me response: %w", ErrHTTP, err)
	}

	var me Me
	if err := json.Unmarshal(body, &me); err != nil {
		return Me{}, fmt.Errorf("%w: parsing /me response: %w", ErrHTTP, err)
	}

	c.me = &me

	return me, nil
}

// SyncAll syncs every document the identity references, in deterministic
// order: identity document, personal meal logs, then per group the group
// document followed by its children.
//
// Per-document failures are recorded on the session result and do not stop
// the run; handshake, transport, and identity-bootstrap failures abort it.
func (c *Client) SyncAll(ctx context.Context) (*Result, error) {
	unlock, err := lockDataDir(c.store.Dir())
	if err != nil {
		return nil, err
	}
	defer unlock()

	state := c.manager.State()
	if state == identity.Uninitialized {
		return nil, identity.ErrNotInitialized
	}

	wasPending := state == identity.PendingSync

	if _, err := c.FetchMe(ctx); err != nil {
		return nil, err
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.close()

	result := &Result{}

	rootID, ok, err := c.manager.RootDocID()
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, identity.ErrNotInitialized
	}

	// 1. Identity document first: everything else is discovered through it.
	result.Documents = append(result.Documents, c.syncDocument(ctx, conn, "identity", "identity", rootID))
	if err := abortReason(result); err != nil {
		return result, err
	}

	if wasPending {
		if err := c.checkBootstrap(rootID); err != nil {
			return result, err
		}
	}

	ident, err := c.manager.LoadIdentity()
	if err != nil {
		return result, fmt.Errorf("%w: loading identity after sync: %w", ErrIdentity, err)
	}

	// 2. Personal meal logs.
	result.Documents = append(result.Documents, c.syncDocument(ctx, conn, "meallogs", "meallogs", ident.MeallogsDocID))
	if err := abortReason(result); err != nil {
		return result, err
	}

	// 3. Each group document, then its children in fixed order.
	for _, ref := range ident.Groups {
		result.Documents = append(result.Documents, c.syncDocument(ctx, conn, "group:"+ref.Name, "group", ref.DocID))
		if err := abortReason(result); err != nil {
			return result, err
		}

		group, loadErr := c.manager.LoadGroup(ref.DocID)
		if loadErr != nil {
			// Group blob not synced yet; its children are discovered on a
			// later run once the group document has arrived.
			c.logger.Info("group document not yet available, skipping children",
				slog.String("group", ref.Name),
			)

			continue
		}

		for _, child := range group.Children() {
			name := ref.Name + ":" + child.Kind
			result.Documents = append(result.Documents, c.syncDocument(ctx, conn, name, child.Kind, child.DocID))
			if err := abortReason(result); err != nil {
				return result, err
			}
		}
	}

	conn.leave(ctx)

	return result, nil
}

// abortReason returns the error that must abort the whole run, if the most
// recent session failed at the transport level.
func abortReason(result *Result) error {
	last := result.Documents[len(result.Documents)-1]
	if last.Err != nil && errors.Is(last.Err, ErrWebSocket) {
		return last.Err
	}

	return nil
}

// checkBootstrap verifies that a join's identity document actually arrived:
// the blob must exist and be at least the placeholder threshold in size.
func (c *Client) checkBootstrap(rootID docid.ID) error {
	blob, err := c.store.Load(rootID)
	if err != nil {
		return err
	}

	if blob == nil {
		return fmt.Errorf("%w: identity document not found after sync", ErrIdentity)
	}

	if len(blob) < identity.MinValidDocSize {
		return fmt.Errorf(
			"%w: identity document is empty after sync; the original device may not have synced yet",
			ErrIdentity,
		)
	}

	// A placeholder can still clear the size bar (any document carries at
	// least one change); the real test is whether identity content parses.
	if _, err := c.manager.LoadIdentity(); err != nil {
		return fmt.Errorf(
			"%w: identity document is empty after sync; the original device may not have synced yet",
			ErrIdentity,
		)
	}

	return nil
}

// syncDocument runs one full two-party sync session for a single document
// over the established connection. Failures are recorded on the result.
func (c *Client) syncDocument(ctx context.Context, conn *connection, name, docType string, id docid.ID) DocSyncResult {
	result := DocSyncResult{Name: name, DocType: docType}

	doc, existed, err := c.loadOrCreate(id)
	if err != nil {
		result.Err = err
		return result
	}

	initialHeads := doc.Heads()
	state := doc.NewSyncState()

	// The opener is sent even when there is nothing to say yet: it tells
	// the relay to start a session for this document.
	opener, _ := state.GenerateMessage()

	if err := conn.send(ctx, wire.NewRequest(id.String(), conn.peerID, conn.serverPeerID, docType, opener)); err != nil {
		result.Err = err
		return result
	}

	result.Rounds++

	if err := c.runSessionLoop(ctx, conn, id, docType, state, &result); err != nil {
		// Failed sessions leave the local blob untouched; the caller can
		// simply retry the whole run.
		result.Err = err
		return result
	}

	result.Updated = !initialHeads.Equal(doc.Heads())

	// Persist only when there is something new: the atomic save means a
	// reader observes either the previous heads or the new ones, never an
	// intermediate state.
	if result.Updated || !existed {
		if err := c.store.Save(id, doc.Save()); err != nil {
			result.Err = err
			return result
		}
	}

	if result.Updated && c.hook != nil {
		if hookErr := c.hook.OnDocumentUpdated(docType, doc); hookErr != nil {
			result.Err = fmt.Errorf("%w: %w", ErrProjection, hookErr)
		}
	}

	c.logger.Debug("document session finished",
		slog.String("name", name),
		slog.Bool("updated", result.Updated),
		slog.Int("rounds", result.Rounds),
	)

	return result
}

// runSessionLoop consumes frames for one document until the peer is in sync,
// the idle window elapses, or the session fails.
func (c *Client) runSessionLoop(
	ctx context.Context, conn *connection, id docid.ID, docType string,
	state *crdt.SyncState, result *DocSyncResult,
) error {
	docIDText := id.String()

	for {
		msg, err := conn.nextFrame(ctx, docIdleTimeout)
		if err != nil {
			if errors.Is(err, errIdle) {
				// No activity: the document is assumed in sync.
				return nil
			}

			if errors.Is(err, errPeerClosed) {
				return nil
			}

			return err
		}

		if msg == nil {
			// Unknown frame type, already logged; keep reading.
			continue
		}

		switch m := msg.(type) {
		case *wire.Sync, *wire.Request:
			frameDocID, data := frameDoc(msg)
			if frameDocID != docIDText {
				// Sessions are serial, so frames for other documents are
				// stragglers from a previous session; skip them.
				c.logger.Debug("skipping frame for other document",
					slog.String("expected", docIDText),
					slog.String("got", frameDocID),
				)

				continue
			}

			if err := state.ReceiveMessage(data); err != nil {
				return fmt.Errorf("%w: %w", ErrProtocol, err)
			}

			reply, ok := state.GenerateMessage()
			if !ok {
				// Nothing left to send: session complete.
				return nil
			}

			if err := conn.send(ctx, wire.NewSync(docIDText, conn.peerID, conn.serverPeerID, reply)); err != nil {
				return err
			}

			result.Rounds++

		case *wire.DocUnavailable:
			if m.DocumentID == docIDText {
				return fmt.Errorf("%w: %s (%s)", ErrDocUnavailable, docIDText, docType)
			}

		case *wire.Error:
			return fmt.Errorf("%w: %s", ErrProtocol, m.Message)

		default:
			// peer/join/leave are meaningless mid-session; ignore.
		}
	}
}

// frameDoc extracts the document id and sync payload from a sync or request
// frame.
func frameDoc(msg wire.Message) (string, []byte) {
	switch m := msg.(type) {
	case *wire.Sync:
		return m.DocumentID, m.Data
	case *wire.Request:
		return m.DocumentID, m.Data
	default:
		return "", nil
	}
}

// loadOrCreate loads the local blob for id, or creates a fresh document when
// none exists yet. The second return reports whether a blob existed.
func (c *Client) loadOrCreate(id docid.ID) (*crdt.Doc, bool, error) {
	blob, err := c.store.Load(id)
	if err != nil {
		return nil, false, err
	}

	if blob == nil {
		doc, newErr := crdt.NewDoc()
		return doc, false, newErr
	}

	doc, err := crdt.Load(blob)

	return doc, true, err
}

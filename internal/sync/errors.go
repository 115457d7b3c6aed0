package sync

import "errors"

// Sentinel errors for sync failure classification. Use errors.Is; wrapped
// variants carry detail (document id, server message, underlying cause).
var (
	// ErrNotConfigured: no server URL is set.
	ErrNotConfigured = errors.New("sync: server URL not configured")
	// ErrConnection: the websocket dial failed.
	ErrConnection = errors.New("sync: connection failed")
	// ErrHTTP: an HTTP request to the relay failed or returned non-2xx.
	ErrHTTP = errors.New("sync: http request failed")
	// ErrHandshake: the join/peer exchange failed.
	ErrHandshake = errors.New("sync: handshake failed")
	// ErrHandshakeTimeout: no peer reply within the handshake window.
	ErrHandshakeTimeout = errors.New("sync: handshake timed out")
	// ErrWebSocket: the transport failed mid-connection.
	ErrWebSocket = errors.New("sync: websocket failure")
	// ErrProtocol: the server reported or caused a protocol-level failure.
	ErrProtocol = errors.New("sync: protocol error")
	// ErrDocUnavailable: the server refused to serve a document.
	ErrDocUnavailable = errors.New("sync: document unavailable")
	// ErrIdentity: an identity invariant was violated (e.g. the identity
	// document stayed empty after a bootstrap sync).
	ErrIdentity = errors.New("sync: identity error")
	// ErrProjection: the projection hook failed after a merge.
	ErrProjection = errors.New("sync: projection hook failed")
	// ErrConcurrentSession: another process holds the data directory lock.
	ErrConcurrentSession = errors.New("sync: another sync session is already running on this data directory")
)

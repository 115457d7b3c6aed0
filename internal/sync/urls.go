package sync

import "strings"

// buildWSURL converts the configured server URL into the websocket sync
// endpoint. http(s) schemes are swapped for ws(s); bare host:port defaults
// to ws.
func buildWSURL(serverURL, apiKey string) string {
	base := serverURL

	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case !strings.HasPrefix(base, "ws://") && !strings.HasPrefix(base, "wss://"):
		base = "ws://" + base
	}

	return strings.TrimSuffix(base, "/") + "/sync?key=" + apiKey
}

// buildHTTPURL converts the configured server URL into an HTTP endpoint for
// the given path. ws(s) schemes are swapped for http(s); bare host:port
// defaults to http.
func buildHTTPURL(serverURL, path string) string {
	base := serverURL

	switch {
	case strings.HasPrefix(base, "ws://"):
		base = "http://" + strings.TrimPrefix(base, "ws://")
	case strings.HasPrefix(base, "wss://"):
		base = "https://" + strings.TrimPrefix(base, "wss://")
	case !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://"):
		base = "http://" + base
	}

	return strings.TrimSuffix(base, "/") + path
}

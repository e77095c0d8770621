package relay

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultPath is the telemetry endpoint on the backend.
const DefaultPath = "/ws/telemetry"

// ResolveTarget derives the relay WebSocket address from a backend base URL.
// https and wss map to wss, anything else (including no scheme) to ws.
//
//	https://api.example.com   -> wss://api.example.com/ws/telemetry
//	http://10.0.0.5:8000/v1/  -> ws://10.0.0.5:8000/v1/ws/telemetry
func ResolveTarget(backendURL, path string) (string, error) {
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	rest := strings.TrimSpace(backendURL)
	scheme := ""
	if i := strings.Index(rest, "://"); i >= 0 {
		scheme = strings.ToLower(rest[:i])
		rest = rest[i+len("://"):]
	}
	rest = strings.TrimRight(rest, "/")
	if rest == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, backendURL)
	}

	wsScheme := "ws"
	if scheme == "https" || scheme == "wss" {
		wsScheme = "wss"
	}

	target := wsScheme + "://" + rest + path
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidURL, backendURL)
	}
	return u.String(), nil
}

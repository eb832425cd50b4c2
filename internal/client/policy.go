package client

import (
	"net/url"
	"strings"
	"time"
)

const (
	WatchdogTimeout = 8 * time.Second

	backoffBase = 1200 * time.Millisecond
	backoffStep = 600 * time.Millisecond
	backoffCap  = 6 * time.Second

	// FallbackAfter is the number of consecutive failed attempts after which
	// the manager checks the server and, if it answers, gives up on the
	// realtime channel.
	FallbackAfter = 2

	MessagePollInterval  = 3 * time.Second
	PresencePollInterval = 10 * time.Second
	HeartbeatInterval    = 30 * time.Second

	DefaultHistoryLimit = 50
)

// Backoff is the delay before reconnect attempt n (n >= 1). It grows
// linearly and is capped.
func Backoff(attempt int) time.Duration {
	return min(backoffCap, backoffBase+time.Duration(attempt)*backoffStep)
}

// ForceFallback reports whether the host is known to sit behind a transport
// that commonly blocks persistent connections.
func ForceFallback(u *url.URL) bool {
	return strings.HasSuffix(strings.ToLower(u.Hostname()), ".onion")
}

package testutil

import (
	"log"
	"os"
	"testing"

	"github.com/npezzotti/shadow-rooms/internal/identity"
)

func TestLogger(t *testing.T) *log.Logger {
	logger := log.New(os.Stdout, "[test] ", log.LstdFlags)
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
	})
	return logger
}

func TestHasher(t *testing.T) *identity.Hasher {
	t.Helper()

	h, err := identity.NewHasher([]byte("test-identity-secret"))
	if err != nil {
		t.Fatalf("failed to create hasher: %v", err)
	}
	return h
}

// SessionToken returns a deterministic opaque token long enough to be
// accepted by the server.
func SessionToken(name string) string {
	return "session-token-" + name
}

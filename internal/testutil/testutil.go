package testutil

import (
	"crypto/rand"
	"flag"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-ledger/internal/keyValStore"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

var RunLong = flag.Bool("long", false, "run long/heavy tests")

func RequireLong(t *testing.T) {
	t.Helper()
	if !*RunLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

func IsLongEnabled() bool {
	return *RunLong
}

// Logger returns a logger that discards everything.
func Logger(t testing.TB) *logrus.Logger {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// NewStore opens an in-memory store closed at test end.
func NewStore(t testing.TB) *keyValStore.KeyValStore {
	t.Helper()
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		InMemory: true,
		Logger:   Logger(t),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

// Principal returns a random principal.
func Principal(t testing.TB) types.Principal {
	t.Helper()
	var p types.Principal
	if _, err := rand.Read(p[:]); err != nil {
		t.Fatalf("random principal: %v", err)
	}
	return p
}

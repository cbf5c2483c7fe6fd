package testutil

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/etoile/CoreObject-sub001/internal/keyValStore"
	"github.com/etoile/CoreObject-sub001/pkg/logging"
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

// NewKV opens an in-memory badger database that is closed when the test
// ends.
func NewKV(t testing.TB) *keyValStore.KeyValStore {
	t.Helper()
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{InMemory: true, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

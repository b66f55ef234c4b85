package backup

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-ledger/internal/keyValStore"
	"github.com/i5heu/ouroboros-ledger/internal/testutil"
	"github.com/i5heu/ouroboros-ledger/pkg/auth"
)

type entry struct {
	N uint64 `cbor:"1,keyasint"`
}

func newManager(t *testing.T, store Store, retain int) (*Manager, *auth.ManualClock) { // A
	t.Helper()
	clock := auth.NewManualClock(time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC))
	m, err := New(Config{
		Store:    store,
		Schedule: Schedule{Dir: filepath.Join(t.TempDir(), "backups"), RetainCount: retain},
		Clock:    clock,
		Logger:   testutil.Logger(t),
	})
	require.NoError(t, err)
	return m, clock
}

func TestBackupAndRestore(t *testing.T) { // A
	t.Parallel()
	ctx := context.Background()
	src := testutil.NewStore(t)
	require.NoError(t, src.Update(ctx, func(tx *keyValStore.Txn) error {
		return tx.Put([]byte("ledger/x"), entry{N: 42})
	}))

	m, _ := newManager(t, src, 0)
	path, err := m.BackupNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ledger-20240102T090000Z.bak", filepath.Base(path))

	st := m.Status()
	assert.Equal(t, path, st.LastPath)
	assert.Positive(t, st.LastBackupSize)
	assert.False(t, st.BackupInProgress)

	dst := testutil.NewStore(t)
	require.NoError(t, Restore(dst, path))
	var got entry
	err = dst.View(ctx, func(tx *keyValStore.Txn) error {
		found, err := tx.Get([]byte("ledger/x"), &got)
		assert.True(t, found)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.N)
}

func TestPruneKeepsNewest(t *testing.T) { // A
	t.Parallel()
	ctx := context.Background()
	m, clock := newManager(t, testutil.NewStore(t), 2)

	var paths []string
	for i := 0; i < 4; i++ {
		p, err := m.BackupNow(ctx)
		require.NoError(t, err)
		paths = append(paths, p)
		clock.Advance(time.Hour)
	}

	files, err := m.List()
	require.NoError(t, err)
	assert.Equal(t, paths[2:], files)
}

type failingStore struct{}

func (failingStore) Backup(io.Writer, uint64) (uint64, error) {
	return 0, errors.New("disk on fire")
}

func (failingStore) Load(io.Reader) error { return nil }

func TestFailureIsCounted(t *testing.T) { // A
	t.Parallel()
	m, _ := newManager(t, failingStore{}, 0)
	_, err := m.BackupNow(context.Background())
	require.Error(t, err)
	assert.Equal(t, uint64(1), m.Status().Failures)

	files, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, files, "temporary files are removed")
}

func TestRunWithoutIntervalWaits(t *testing.T) { // A
	t.Parallel()
	m, _ := newManager(t, testutil.NewStore(t), 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)
}

func TestNewValidates(t *testing.T) { // A
	t.Parallel()
	_, err := New(Config{Schedule: Schedule{Dir: t.TempDir()}})
	require.Error(t, err)
	_, err = New(Config{Store: failingStore{}})
	require.Error(t, err)
	_, err = New(Config{Store: failingStore{}, Schedule: Schedule{Dir: t.TempDir(), Interval: -time.Second}})
	require.Error(t, err)
}

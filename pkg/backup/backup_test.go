package backup

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etoile/CoreObject-sub001/internal/testutil"
	"github.com/etoile/CoreObject-sub001/pkg/item"
	"github.com/etoile/CoreObject-sub001/pkg/logging"
	"github.com/etoile/CoreObject-sub001/pkg/store"
)

func TestBackupRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := testutil.NewKV(t)
	s, err := store.Open(src, store.Options{Logger: logging.Discard()})
	require.NoError(t, err)

	root, a, rev := uuid.New(), uuid.New(), uuid.New()
	g := item.NewGraph(a)
	g.InsertOrUpdateItems(item.New(a).Set("name", item.NewString("backed up")))
	_, err = s.Execute(ctx, store.NewTransaction(store.CreatePersistentRoot{
		Root: root, Branch: uuid.New(), Revision: rev, Graph: g,
	}))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	m := NewManager(src, logging.Discard())
	var buf bytes.Buffer
	st, err := m.BackupData(ctx, &buf, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), st.LastBackupSize)
	assert.False(t, st.BackupInProgress)
	assert.Equal(t, st, m.GetBackupStatus())

	dst := testutil.NewKV(t)
	require.NoError(t, NewManager(dst, logging.Discard()).RestoreData(ctx, &buf))

	restored, err := store.Open(dst, store.Options{Logger: logging.Discard()})
	require.NoError(t, err)
	defer restored.Close()

	info, err := restored.PersistentRootInfo(root)
	require.NoError(t, err)
	assert.Equal(t, rev, info.CurrentRevision)
	got, err := restored.ItemGraphForRevision(rev)
	require.NoError(t, err)
	assert.True(t, g.Equal(got))
}

func TestCanceledBackup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewManager(testutil.NewKV(t), logging.Discard()).BackupData(ctx, &bytes.Buffer{}, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

// inventory/inventory_test.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package inventory

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mmp/s3bk/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2020, time.March, 1, 12, 0, 0, 0, time.UTC)

// putObjects stamps nChunks objects for host/num into mem at time at.
func putObjects(t *testing.T, mem *store.Memory, host string, num, nChunks int, at time.Time) {
	t.Helper()
	mem.Now = func() time.Time { return at }
	for seq := 1; seq <= nChunks; seq++ {
		key := fmt.Sprintf("%s/%d/%d", host, num, seq)
		contents := bytes.Repeat([]byte{byte(seq)}, 100*seq)
		_, err := mem.Put(context.Background(), key, bytes.NewReader(contents),
			int64(len(contents)), nil)
		require.NoError(t, err)
	}
}

func TestListGroupsAndSorts(t *testing.T) {
	mem := store.NewMemory()
	putObjects(t, mem, "gandalf", 1, 2, epoch.Add(-72*time.Hour))
	putObjects(t, mem, "gandalf", 2, 3, epoch.Add(-24*time.Hour))
	putObjects(t, mem, "bilbo", 1, 1, epoch.Add(-48*time.Hour))

	// Keys that don't follow host/num/seq are not ours to manage.
	mem.Now = func() time.Time { return epoch }
	for _, key := range []string{"notes.txt", "gandalf/latest/1", "gandalf/2/0", "a/b/c/d"} {
		_, err := mem.Put(context.Background(), key, bytes.NewReader([]byte("x")), 1, nil)
		require.NoError(t, err)
	}

	backups, err := List(context.Background(), mem, "")
	require.NoError(t, err)
	require.Len(t, backups, 3)

	// Newest first.
	assert.Equal(t, "gandalf", backups[0].Host)
	assert.Equal(t, 2, backups[0].Number)
	assert.Equal(t, "bilbo", backups[1].Host)
	assert.Equal(t, "gandalf", backups[2].Host)
	assert.Equal(t, 1, backups[2].Number)

	assert.Len(t, backups[0].Objects, 3)
	assert.Equal(t, int64(100+200+300), backups[0].Bytes())
	assert.Equal(t, 24*time.Hour, backups[0].Age(epoch))

	// Host filter.
	backups, err = List(context.Background(), mem, "bilbo")
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, 1, backups[0].Number)
}

func TestChunksOrdered(t *testing.T) {
	mem := store.NewMemory()
	mem.Now = func() time.Time { return epoch }
	// Insert out of order; a lexicographic listing would also put 10
	// before 2.
	for _, seq := range []int{10, 2, 1} {
		key := fmt.Sprintf("gandalf/3/%d", seq)
		_, err := mem.Put(context.Background(), key, bytes.NewReader([]byte("x")), 1, nil)
		require.NoError(t, err)
	}

	b, err := Find(context.Background(), mem, "gandalf", 3)
	require.NoError(t, err)
	chunks := b.Chunks()
	require.Len(t, chunks, 3)
	assert.Equal(t, "gandalf/3/1", chunks[0].Key)
	assert.Equal(t, "gandalf/3/2", chunks[1].Key)
	assert.Equal(t, "gandalf/3/10", chunks[2].Key)
}

func TestFind(t *testing.T) {
	mem := store.NewMemory()
	putObjects(t, mem, "gandalf", 1, 2, epoch.Add(-72*time.Hour))
	putObjects(t, mem, "gandalf", 2, 2, epoch.Add(-24*time.Hour))

	b, err := Find(context.Background(), mem, "gandalf", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Number)

	// Negative number selects the newest.
	b, err = Find(context.Background(), mem, "gandalf", -1)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Number)

	_, err = Find(context.Background(), mem, "gandalf", 9)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = Find(context.Background(), mem, "saruman", -1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExpire(t *testing.T) {
	mem := store.NewMemory()
	// Three data chunks plus a parity chunk, uploaded ten days ago.
	putObjects(t, mem, "gandalf", 1, 4, epoch.Add(-10*24*time.Hour))

	// A generous retention leaves it alone.
	res, err := Expire(context.Background(), mem, 30*24*time.Hour, epoch)
	require.NoError(t, err)
	assert.Zero(t, res.Backups)
	assert.Zero(t, res.Objects)

	objs, err := mem.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, objs, 4)

	// A five-day retention removes all four objects.
	res, err = Expire(context.Background(), mem, 5*24*time.Hour, epoch)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Backups)
	assert.Equal(t, 4, res.Objects)
	assert.Equal(t, int64(100+200+300+400), res.Bytes)

	objs, err = mem.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, objs)

	// Running again is a no-op.
	res, err = Expire(context.Background(), mem, 5*24*time.Hour, epoch)
	require.NoError(t, err)
	assert.Zero(t, res.Backups)
}

func TestExpireAgeFromNewestObject(t *testing.T) {
	mem := store.NewMemory()
	// First chunks went up ten days ago, but the job finished yesterday;
	// the backup is one day old, not ten.
	putObjects(t, mem, "gandalf", 1, 2, epoch.Add(-10*24*time.Hour))
	mem.Now = func() time.Time { return epoch.Add(-24 * time.Hour) }
	_, err := mem.Put(context.Background(), "gandalf/1/3", bytes.NewReader([]byte("x")), 1, nil)
	require.NoError(t, err)

	res, err := Expire(context.Background(), mem, 5*24*time.Hour, epoch)
	require.NoError(t, err)
	assert.Zero(t, res.Backups)

	objs, err := mem.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, objs, 3)
}

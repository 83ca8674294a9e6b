// parity/parity_test.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package parity

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCheckRestore(t *testing.T) {
	rng := rand.New(rand.NewSource(1138))

	buf := make([]byte, 3*1024*1024+17)
	_, _ = rng.Read(buf)
	orig := append([]byte(nil), buf...)

	const nData, nParity = 8, 3
	const hashRate = 16 * 1024

	var rs bytes.Buffer
	require.NoError(t, Encode(bytes.NewReader(buf), int64(len(buf)), &rs,
		nData, nParity, hashRate))
	rsBytes := rs.Bytes()

	// Pristine data passes.
	require.NoError(t, Check(bytes.NewReader(buf), bytes.NewReader(rsBytes)))

	// Flip some bytes, confined to nParity distinct cells so that the
	// damage stays repairable.
	shardSize := (int64(len(buf)) + nData - 1) / nData
	for i := 0; i < nParity; i++ {
		off := int64(i)*shardSize + int64(rng.Intn(hashRate))
		buf[off] ^= 0xff
	}

	err := Check(bytes.NewReader(buf), bytes.NewReader(rsBytes))
	assert.ErrorIs(t, err, ErrFileCorrupt)

	var restored bytes.Buffer
	require.NoError(t, Restore(bytes.NewReader(buf), bytes.NewReader(rsBytes), &restored))
	assert.Equal(t, orig, restored.Bytes())
}

func TestRestoreFailsBeyondParity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	buf := make([]byte, 256*1024)
	_, _ = rng.Read(buf)

	const nData, nParity = 4, 1
	const hashRate = 8 * 1024

	var rs bytes.Buffer
	require.NoError(t, Encode(bytes.NewReader(buf), int64(len(buf)), &rs,
		nData, nParity, hashRate))

	// Corrupt the same cell column in two different shards; one parity
	// shard can't recover both.
	shardSize := int64(len(buf)) / nData
	buf[0] ^= 0xff
	buf[shardSize] ^= 0xff

	var restored bytes.Buffer
	err := Restore(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()), &restored)
	assert.ErrorIs(t, err, ErrFileCorrupt)
}

func TestFileHelpers(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "chunk.tar.aa")

	rng := rand.New(rand.NewSource(7))
	data := make([]byte, 128*1024)
	_, _ = rng.Read(data)
	require.NoError(t, os.WriteFile(fn, data, 0644))

	// No sidecar yet.
	assert.ErrorIs(t, CheckFile(fn), ErrNoSidecar)

	require.NoError(t, EncodeFile(fn, 5, 2, 4096))
	require.NoError(t, CheckFile(fn))

	// Damage the file, then repair it in place.
	corrupted := append([]byte(nil), data...)
	corrupted[100] ^= 0x42
	require.NoError(t, os.WriteFile(fn, corrupted, 0644))
	assert.ErrorIs(t, CheckFile(fn), ErrFileCorrupt)

	require.NoError(t, RestoreFile(fn))
	require.NoError(t, CheckFile(fn))

	got, err := os.ReadFile(fn)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// crypt/crypt_test.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package crypt

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/mmp/s3bk/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// xorCipher is a stand-in for the external cipher: it "encrypts" by
// XORing every byte, which is cheap and trivially invertible in tests.
type xorCipher struct{}

func (xorCipher) Encrypt(ctx context.Context, r io.Reader, w io.Writer) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		for i := 0; i < n; i++ {
			buf[i] ^= 0x5a
		}
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// failCipher models a misconfigured cipher invocation.
type failCipher struct{}

func (failCipher) Encrypt(ctx context.Context, r io.Reader, w io.Writer) error {
	return fmt.Errorf("cipher exited with status 2")
}

// silentCipher exits cleanly without writing anything.
type silentCipher struct{}

func (silentCipher) Encrypt(ctx context.Context, r io.Reader, w io.Writer) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

func testChunk(t *testing.T, contents []byte) job.Chunk {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "chunk.tar.aa")
	require.NoError(t, os.WriteFile(p, contents, 0644))

	cfg := &job.Config{Host: "gandalf", BackupNum: 2, ChunkPaths: []string{p}}
	chunks, err := cfg.Chunks()
	require.NoError(t, err)
	return chunks[0]
}

func TestEncryptChunk(t *testing.T) {
	staging := t.TempDir()
	plaintext := []byte("the chunk plaintext bytes")
	c := testChunk(t, plaintext)

	ec, err := EncryptChunk(context.Background(), xorCipher{}, c, staging)
	require.NoError(t, err)
	defer os.Remove(ec.Path)

	assert.Equal(t, c.Key(), ec.Chunk.Key())
	assert.Equal(t, "AES256", ec.Algorithm)
	assert.EqualValues(t, len(plaintext), ec.Size)

	ciphertext, err := os.ReadFile(ec.Path)
	require.NoError(t, err)
	sum := md5.Sum(ciphertext)
	assert.Equal(t, sum[:], ec.MD5)
	assert.NotEqual(t, plaintext, ciphertext)
}

func TestEncryptChunkStagingFilesAreUnique(t *testing.T) {
	staging := t.TempDir()
	c := testChunk(t, []byte("contents"))

	a, err := EncryptChunk(context.Background(), xorCipher{}, c, staging)
	require.NoError(t, err)
	b, err := EncryptChunk(context.Background(), xorCipher{}, c, staging)
	require.NoError(t, err)
	assert.NotEqual(t, a.Path, b.Path)
}

func TestEncryptChunkFailureCleansUp(t *testing.T) {
	staging := t.TempDir()
	c := testChunk(t, []byte("contents"))

	_, err := EncryptChunk(context.Background(), failCipher{}, c, staging)
	require.Error(t, err)

	_, err = EncryptChunk(context.Background(), silentCipher{}, c, staging)
	assert.ErrorIs(t, err, ErrShortCiphertext)

	// No staging turds left behind.
	entries, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGPGPassphraseOverFD(t *testing.T) {
	dir := t.TempDir()

	// A gpg impostor: echoes stdin to stdout with a marker prefix and
	// verifies the passphrase arrives on fd 3, not on the command line.
	script := filepath.Join(dir, "fakegpg")
	require.NoError(t, os.WriteFile(script, []byte(`#!/bin/sh
for arg in "$@"; do
    case "$arg" in
        *hunter2*) echo "passphrase leaked to argv" >&2; exit 3;;
    esac
done
pass=$(cat <&3)
if [ "$pass" != "hunter2" ]; then
    echo "bad passphrase" >&2
    exit 2
fi
printf 'GPGHDR'
cat
`), 0755))

	g := &GPG{Passphrase: NewSecret("hunter2"), Binary: script}

	var out bytesWriter
	err := g.Encrypt(context.Background(), io.LimitReader(neverEnding('p'), 64), &out)
	require.NoError(t, err)
	assert.Equal(t, "GPGHDR", string(out.b[:6]))
	assert.Len(t, out.b, 6+64)
}

func TestGPGReportsStderrOnFailure(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fakegpg")
	require.NoError(t, os.WriteFile(script, []byte(`#!/bin/sh
cat <&3 >/dev/null
echo "gpg: decryption failed: No secret key" >&2
exit 2
`), 0755))

	g := &GPG{Passphrase: NewSecret("pw"), Binary: script}
	var out bytesWriter
	err := g.Encrypt(context.Background(), neverEnding('x'), &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No secret key")
}

func TestSecretDoesNotFormat(t *testing.T) {
	s := NewSecret("super secret")
	assert.NotContains(t, fmt.Sprintf("%v %s %#v", s, s, s), "super secret")
	assert.Equal(t, []byte("super secret"), s.Bytes())
}

func TestLoadSecret(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "pass")
	require.NoError(t, os.WriteFile(p, []byte("hunter2\n"), 0600))

	s, err := LoadSecret(p)
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), s.Bytes())

	require.NoError(t, os.WriteFile(p, []byte("\n"), 0600))
	_, err = LoadSecret(p)
	assert.Error(t, err)

	_, err = LoadSecret(filepath.Join(dir, "nope"))
	assert.Error(t, err)
}

///////////////////////////////////////////////////////////////////////////
// test plumbing

type bytesWriter struct {
	b []byte
}

func (w *bytesWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

// neverEnding is an endless stream of one repeated byte.
type neverEnding byte

func (b neverEnding) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(b)
	}
	return len(p), nil
}

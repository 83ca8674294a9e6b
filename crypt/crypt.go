// crypt/crypt.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package crypt drives an external symmetric cipher to turn chunk
// plaintext into staged ciphertext files. The cipher is a subprocess
// with plaintext on stdin and ciphertext on stdout; the passphrase
// travels over an inherited pipe so it never shows up in a process
// listing.
package crypt

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mmp/s3bk/job"
)

var (
	// ErrShortCiphertext reports a cipher invocation that exited
	// successfully but produced no output for a non-empty input.
	ErrShortCiphertext = errors.New("cipher produced truncated output")
)

///////////////////////////////////////////////////////////////////////////
// Secret

// Secret holds the symmetric passphrase for the lifetime of one job.
// It formats as a placeholder so that it can't leak through logging.
type Secret struct {
	b []byte
}

// LoadSecret reads a passphrase from a file, trimming a trailing
// newline as left by most editors.
func LoadSecret(path string) (*Secret, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("passphrase: %w", err)
	}
	b = bytes.TrimRight(b, "\r\n")
	if len(b) == 0 {
		return nil, fmt.Errorf("passphrase: %s is empty", path)
	}
	return &Secret{b: b}, nil
}

func NewSecret(passphrase string) *Secret {
	return &Secret{b: []byte(passphrase)}
}

func (s *Secret) Bytes() []byte  { return s.b }
func (s *Secret) String() string { return "[redacted]" }

// GoString keeps %#v from dumping the passphrase too.
func (s *Secret) GoString() string { return "crypt.Secret{[redacted]}" }

///////////////////////////////////////////////////////////////////////////
// Cipher

// Cipher encrypts a plaintext stream to a ciphertext stream. A nil
// error means w received the complete ciphertext.
type Cipher interface {
	Encrypt(ctx context.Context, r io.Reader, w io.Writer) error
}

// GPG invokes the gpg binary for symmetric encryption. The passphrase
// is handed over on file descriptor 3 via --passphrase-fd, never on
// the command line.
type GPG struct {
	Passphrase *Secret
	// Binary overrides the gpg executable name; for tests.
	Binary string
}

func (g *GPG) Encrypt(ctx context.Context, r io.Reader, w io.Writer) error {
	bin := g.Binary
	if bin == "" {
		bin = "gpg"
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("gpg: passphrase pipe: %w", err)
	}
	defer pr.Close()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin,
		"--batch", "--no-tty",
		"--symmetric", "--cipher-algo", "AES256",
		"--passphrase-fd", "3",
		"--output", "-")
	cmd.Stdin = r
	cmd.Stdout = w
	cmd.Stderr = &stderr
	cmd.ExtraFiles = []*os.File{pr} // becomes fd 3 in the child

	if err := cmd.Start(); err != nil {
		pw.Close()
		return fmt.Errorf("gpg: %w", err)
	}
	pr.Close()

	_, werr := pw.Write(append(g.Passphrase.Bytes(), '\n'))
	pw.Close()

	if err := cmd.Wait(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("gpg: %s: %w", msg, err)
		}
		return fmt.Errorf("gpg: %w", err)
	}
	if werr != nil {
		return fmt.Errorf("gpg: passphrase write: %w", werr)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Chunk encryption

// Encrypted is the staged, encrypted form of a chunk, ready for
// upload. MD5 is the digest of the ciphertext; the plaintext checksum
// stays available through Chunk.
type Encrypted struct {
	Chunk     job.Chunk
	Path      string
	Size      int64
	MD5       []byte
	Algorithm string
}

// EncryptChunk runs c's plaintext through the cipher into a uniquely
// named staging file and returns its Encrypted form. The staging file
// is removed again on any error.
func EncryptChunk(ctx context.Context, cipher Cipher, c job.Chunk, stagingDir string) (Encrypted, error) {
	in, err := os.Open(c.Path)
	if err != nil {
		return Encrypted{}, fmt.Errorf("%s: %w", c, err)
	}
	defer in.Close()

	pattern := fmt.Sprintf("%s-%d-%d-*.gpg", c.Host, c.BackupNum, c.Seq)
	out, err := os.CreateTemp(stagingDir, pattern)
	if err != nil {
		return Encrypted{}, fmt.Errorf("%s: staging: %w", c, err)
	}
	staged := out.Name()

	fail := func(err error) (Encrypted, error) {
		out.Close()
		os.Remove(staged)
		return Encrypted{}, err
	}

	digest := md5.New()
	if err := cipher.Encrypt(ctx, in, io.MultiWriter(out, digest)); err != nil {
		return fail(fmt.Errorf("%s: %w", c, err))
	}
	if err := out.Close(); err != nil {
		return fail(fmt.Errorf("%s: staging: %w", c, err))
	}

	fi, err := os.Stat(staged)
	if err != nil {
		return fail(fmt.Errorf("%s: staging: %w", c, err))
	}
	if fi.Size() == 0 && c.Size > 0 {
		return fail(fmt.Errorf("%s: %w", c, ErrShortCiphertext))
	}

	return Encrypted{
		Chunk:     c,
		Path:      filepath.Clean(staged),
		Size:      fi.Size(),
		MD5:       digest.Sum(nil),
		Algorithm: "AES256",
	}, nil
}

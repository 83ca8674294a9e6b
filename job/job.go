// job/job.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package job

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"

	"golang.org/x/crypto/sha3"
)

var (
	ErrNoChunks = errors.New("no chunk files supplied")
)

///////////////////////////////////////////////////////////////////////////
// Hashing

// HashSize is the number of bytes in the hash values used to identify
// chunk contents before encryption.
const HashSize = 32

// Hash encodes a fixed-size secure hash of a collection of bytes.
type Hash [HashSize]byte

// HashReader computes the SHAKE256 hash of everything readable from r.
func HashReader(r io.Reader) (Hash, int64, error) {
	var h Hash
	shake := sha3.NewShake256()
	n, err := io.Copy(shake, r)
	if err != nil {
		return h, n, err
	}
	_, _ = shake.Read(h[:])
	return h, n, nil
}

// String returns the given Hash as a hexadecimal-encoded string.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

///////////////////////////////////////////////////////////////////////////
// Config / Chunk

// Config is the description of one archive job as handed over by the
// upstream archiver: which host and backup number the chunks belong to,
// how the archive was compressed, and the local chunk and parity files
// to ship. Chunk paths must be given in archive order.
type Config struct {
	Host        string
	BackupNum   int
	Compression string // "none", "gzip", "bzip2", "xz"
	ChunkPaths  []string
	ParityPaths []string
}

// Chunk is one piece of a split archive, or one parity file. Sequence
// indices are contiguous starting at 1; parity files follow the data
// chunks, so a job with N chunks and P parity files covers sequences
// 1..N+P.
type Chunk struct {
	Host        string
	BackupNum   int
	Seq         int
	Total       int // number of data chunks (excluding parity)
	Path        string
	Size        int64
	Checksum    Hash // hash of the plaintext contents
	Compression string
	Parity      bool
}

// Key returns the object store key for the chunk.
func (c Chunk) Key() string {
	return path.Join(c.Host, strconv.Itoa(c.BackupNum), strconv.Itoa(c.Seq))
}

func (c Chunk) String() string {
	return fmt.Sprintf("%s (%s)", c.Key(), path.Base(c.Path))
}

// Chunks enumerates the job's chunk and parity files, assigning
// sequence indices and computing each file's pre-encryption checksum.
func (c *Config) Chunks() ([]Chunk, error) {
	if c.Host == "" {
		return nil, errors.New("job host not set")
	}
	if len(c.ChunkPaths) == 0 {
		return nil, ErrNoChunks
	}

	n := len(c.ChunkPaths)
	paths := append(append([]string(nil), c.ChunkPaths...), c.ParityPaths...)

	var chunks []Chunk
	for i, p := range paths {
		ch := Chunk{
			Host:        c.Host,
			BackupNum:   c.BackupNum,
			Seq:         i + 1,
			Total:       n,
			Path:        p,
			Compression: c.Compression,
			Parity:      i >= n,
		}

		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		ch.Checksum, ch.Size, err = HashReader(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}

		chunks = append(chunks, ch)
	}
	return chunks, nil
}

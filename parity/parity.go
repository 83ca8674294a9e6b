// parity/parity.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package parity verifies (and when possible repairs) chunk files
// against Reed-Solomon sidecars, based on github.com/klauspost/reedsolomon.
// Sidecar generation belongs to the upstream archiver; here we check
// that what it produced is still intact before shipping it anywhere.
package parity

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/sha3"
)

var (
	// ErrFileCorrupt reports hash mismatches beyond what the parity
	// shards can repair, or any mismatch during a plain check.
	ErrFileCorrupt = errors.New("file corrupt")

	// ErrNoSidecar reports a chunk without a .rs sidecar.
	ErrNoSidecar = errors.New("no parity sidecar")
)

// HashSize is the number of bytes in the hash values computed for
// slices of shard data.
const HashSize = 64

type hash [HashSize]byte

func hashBytes(b []byte) hash {
	var h hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// sidecar is the gob-serialized contents of a .rs file: the parity
// shards themselves plus a grid of hashes — one per hashRate bytes of
// each shard — that localizes corruption to repairable cells.
type sidecar struct {
	FileSize       int64
	NData, NParity int
	HashRate       int64
	Hashes         [][]hash // data shard hashes first, then parity
	Parity         [][]byte
}

// SidecarPath returns the sidecar filename for a chunk path.
func SidecarPath(chunkPath string) string {
	return chunkPath + ".rs"
}

///////////////////////////////////////////////////////////////////////////
// Encode / Check / Restore on streams

// Encode computes parity for size bytes from r and writes a sidecar to
// w. It mostly exists for tests and for archiver-side tooling.
func Encode(r io.Reader, size int64, w io.Writer, nData, nParity int, hashRate int64) error {
	dataShards, err := readAndShard(r, size, nData)
	if err != nil {
		return err
	}

	sc := sidecar{
		FileSize: size,
		NData:    nData,
		NParity:  nParity,
		HashRate: hashRate,
	}
	for i := 0; i < nParity; i++ {
		sc.Parity = append(sc.Parity, make([]byte, len(dataShards[0])))
	}

	enc, err := reedsolomon.New(nData, nParity)
	if err != nil {
		return err
	}
	all := append(append([][]byte(nil), dataShards...), sc.Parity...)
	if err := enc.Encode(all); err != nil {
		return err
	}

	for _, s := range all {
		sc.Hashes = append(sc.Hashes, hashCells(s, hashRate))
	}

	return gob.NewEncoder(w).Encode(sc)
}

// Check verifies the data from r against the sidecar read from rs.
func Check(r io.Reader, rs io.Reader) error {
	_, _, bad, err := verify(r, rs)
	if err != nil {
		return err
	}
	if bad > 0 {
		return fmt.Errorf("%d corrupt cells: %w", bad, ErrFileCorrupt)
	}
	return nil
}

// Restore re-derives corrupt cells of the data read from r using the
// sidecar from rs and writes the repaired contents to w. It fails with
// ErrFileCorrupt if more cells are damaged than the parity can absorb.
func Restore(r io.Reader, rs io.Reader, w io.Writer) error {
	sc, cells, bad, err := verify(r, rs)
	if err != nil {
		return err
	}

	enc, err := reedsolomon.New(sc.NData, sc.NParity)
	if err != nil {
		return err
	}

	nCols := len(cells[0])
	if bad > 0 {
		for col := 0; col < nCols; col++ {
			missing := false
			recon := make([][]byte, len(cells))
			for s := range cells {
				recon[s] = cells[s][col]
				missing = missing || recon[s] == nil
			}
			if !missing {
				continue
			}
			if err := enc.Reconstruct(recon); err != nil {
				return fmt.Errorf("reconstruct: %w: %w", err, ErrFileCorrupt)
			}
			for s := range cells {
				if cells[s][col] == nil {
					if hashBytes(recon[s]) != sc.Hashes[s][col] {
						return fmt.Errorf("reconstructed cell still mismatches: %w", ErrFileCorrupt)
					}
					cells[s][col] = recon[s]
				}
			}
		}
	}

	// Reassemble the data shards in order, trimming the zero padding.
	lw := &limitedWriter{W: w, N: sc.FileSize}
	for s := 0; s < sc.NData; s++ {
		for _, cell := range cells[s] {
			if _, err := lw.Write(cell); err != nil {
				return err
			}
		}
	}
	return nil
}

// verify loads the sidecar, re-shards the data, and hashes every cell,
// nil-ing out mismatched cells. Returns the sidecar, the cell grid
// (data shards first, then parity), and the mismatch count.
func verify(r io.Reader, rs io.Reader) (sidecar, [][][]byte, int, error) {
	var sc sidecar
	if err := gob.NewDecoder(rs).Decode(&sc); err != nil {
		return sc, nil, 0, fmt.Errorf("sidecar: %w", err)
	}

	dataShards, err := readAndShard(r, sc.FileSize, sc.NData)
	if err != nil {
		return sc, nil, 0, err
	}

	all := append(append([][]byte(nil), dataShards...), sc.Parity...)
	if len(sc.Hashes) != len(all) {
		return sc, nil, 0, fmt.Errorf("sidecar: %d hash rows for %d shards: %w",
			len(sc.Hashes), len(all), ErrFileCorrupt)
	}

	bad := 0
	cells := make([][][]byte, len(all))
	for s, shard := range all {
		cells[s] = splitCells(shard, sc.HashRate)
		if len(cells[s]) != len(sc.Hashes[s]) {
			return sc, nil, 0, fmt.Errorf("sidecar: cell count mismatch: %w", ErrFileCorrupt)
		}
		for col, cell := range cells[s] {
			if hashBytes(cell) != sc.Hashes[s][col] {
				cells[s][col] = nil
				bad++
			}
		}
	}
	return sc, cells, bad, nil
}

///////////////////////////////////////////////////////////////////////////
// File-level convenience

// CheckFile verifies fn against its sidecar; ErrNoSidecar if there
// isn't one.
func CheckFile(fn string) error {
	rs, err := openSidecar(fn)
	if err != nil {
		return err
	}
	defer rs.Close()

	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()

	return Check(f, rs)
}

// RestoreFile repairs fn in place from its sidecar.
func RestoreFile(fn string) error {
	rs, err := openSidecar(fn)
	if err != nil {
		return err
	}
	defer rs.Close()

	data, err := os.ReadFile(fn)
	if err != nil {
		return err
	}

	var restored bytes.Buffer
	if err := Restore(bytes.NewReader(data), rs, &restored); err != nil {
		return err
	}
	return os.WriteFile(fn, restored.Bytes(), 0644)
}

// EncodeFile writes a sidecar next to fn.
func EncodeFile(fn string, nData, nParity int, hashRate int64) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	out, err := os.Create(SidecarPath(fn))
	if err != nil {
		return err
	}
	if err := Encode(f, fi.Size(), out, nData, nParity, hashRate); err != nil {
		out.Close()
		os.Remove(out.Name())
		return err
	}
	return out.Close()
}

func openSidecar(fn string) (*os.File, error) {
	rs, err := os.Open(SidecarPath(fn))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", fn, ErrNoSidecar)
	}
	return rs, err
}

///////////////////////////////////////////////////////////////////////////
// Sharding helpers

// readAndShard reads size bytes from r into nShards equally sized
// shards, zero-padding the tail of the last one.
func readAndShard(r io.Reader, size int64, nShards int) ([][]byte, error) {
	shardSize := (size + int64(nShards) - 1) / int64(nShards)
	buf := make([]byte, int64(nShards)*shardSize)
	if _, err := io.ReadFull(r, buf[:size]); err != nil {
		return nil, err
	}

	var shards [][]byte
	for i := 0; i < nShards; i++ {
		shards = append(shards, buf[int64(i)*shardSize:int64(i+1)*shardSize])
	}
	return shards, nil
}

// splitCells cuts a shard into hashRate-sized cells; the final cell is
// whatever remains.
func splitCells(b []byte, rate int64) [][]byte {
	var cells [][]byte
	for int64(len(b)) > rate {
		cells = append(cells, b[:rate])
		b = b[rate:]
	}
	return append(cells, b)
}

func hashCells(b []byte, rate int64) []hash {
	var hashes []hash
	for _, cell := range splitCells(b, rate) {
		hashes = append(hashes, hashBytes(cell))
	}
	return hashes
}

type limitedWriter struct {
	W io.Writer
	N int64
}

func (w *limitedWriter) Write(data []byte) (int, error) {
	if int64(len(data)) > w.N {
		data = data[:w.N]
	}
	n, err := w.W.Write(data)
	w.N -= int64(n)
	return n, err
}

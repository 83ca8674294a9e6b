// inventory/inventory.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package inventory interprets the key layout of the remote store —
// host/backup-number/sequence — and answers questions about what's up
// there: which backups exist, how big they are, and which ones have
// outlived their retention.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmp/s3bk/store"
	"github.com/mmp/s3bk/util"
	"github.com/rs/zerolog/log"
)

// Backup groups the remote objects of a single (host, number) pair.
type Backup struct {
	Host    string
	Number  int
	Objects []store.Object
	// LastUpload is the most recent LastModified among the objects; a
	// backup's age is measured from its newest object so that a job
	// still in flight is never considered stale mid-upload.
	LastUpload time.Time
}

// Bytes returns the total stored size of the backup.
func (b *Backup) Bytes() int64 {
	var n int64
	for _, o := range b.Objects {
		n += o.Size
	}
	return n
}

// Age reports how long ago the backup's newest object was uploaded.
func (b *Backup) Age(now time.Time) time.Duration {
	return now.Sub(b.LastUpload)
}

// Chunks returns the backup's objects ordered by sequence number.
// Objects whose keys don't parse are skipped.
func (b *Backup) Chunks() []store.Object {
	type seqObj struct {
		seq int
		obj store.Object
	}
	var so []seqObj
	for _, o := range b.Objects {
		_, _, seq, ok := parseKey(o.Key)
		if !ok {
			continue
		}
		so = append(so, seqObj{seq, o})
	}
	sort.Slice(so, func(i, j int) bool { return so[i].seq < so[j].seq })

	objs := make([]store.Object, len(so))
	for i, s := range so {
		objs[i] = s.obj
	}
	return objs
}

// parseKey splits host/number/sequence; ok is false for keys that don't
// follow the layout (which are simply not ours to manage).
func parseKey(key string) (host string, num, seq int, ok bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return "", 0, 0, false
	}
	num, err := strconv.Atoi(parts[1])
	if err != nil || num < 0 {
		return "", 0, 0, false
	}
	seq, err = strconv.Atoi(parts[2])
	if err != nil || seq < 1 {
		return "", 0, 0, false
	}
	return parts[0], num, seq, true
}

// List enumerates the backups in s, newest first. If host is non-empty,
// only that host's backups are returned.
func List(ctx context.Context, s store.Store, host string) ([]*Backup, error) {
	prefix := ""
	if host != "" {
		prefix = host + "/"
	}
	objs, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]*Backup)
	for _, o := range objs {
		h, num, _, ok := parseKey(o.Key)
		if !ok {
			log.Debug().Str("key", o.Key).Msg("skipping foreign object")
			continue
		}
		id := h + "/" + strconv.Itoa(num)
		b, found := byKey[id]
		if !found {
			b = &Backup{Host: h, Number: num}
			byKey[id] = b
		}
		b.Objects = append(b.Objects, o)
		if o.LastModified.After(b.LastUpload) {
			b.LastUpload = o.LastModified
		}
	}

	backups := make([]*Backup, 0, len(byKey))
	for _, b := range byKey {
		backups = append(backups, b)
	}
	sort.Slice(backups, func(i, j int) bool {
		if !backups[i].LastUpload.Equal(backups[j].LastUpload) {
			return backups[i].LastUpload.After(backups[j].LastUpload)
		}
		if backups[i].Host != backups[j].Host {
			return backups[i].Host < backups[j].Host
		}
		return backups[i].Number > backups[j].Number
	})
	return backups, nil
}

// Find returns host's backup with the given number, or the newest one
// if number is negative. store.ErrNotFound if there's no such backup.
func Find(ctx context.Context, s store.Store, host string, number int) (*Backup, error) {
	backups, err := List(ctx, s, host)
	if err != nil {
		return nil, err
	}
	if number < 0 {
		if len(backups) == 0 {
			return nil, fmt.Errorf("%s: no backups: %w", host, store.ErrNotFound)
		}
		return backups[0], nil
	}
	for _, b := range backups {
		if b.Number == number {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%s/%d: %w", host, number, store.ErrNotFound)
}

// ExpireResult summarizes what Expire removed.
type ExpireResult struct {
	Backups int
	Objects int
	Bytes   int64
}

// Expire deletes every backup whose age (measured at now, from its
// newest object) exceeds olderThan. Deleting an already-absent object
// is not an error, so re-running after a partial failure just finishes
// the job.
func Expire(ctx context.Context, s store.Store, olderThan time.Duration, now time.Time) (ExpireResult, error) {
	var res ExpireResult

	backups, err := List(ctx, s, "")
	if err != nil {
		return res, err
	}

	for _, b := range backups {
		if b.Age(now) <= olderThan {
			continue
		}
		log.Info().Str("host", b.Host).Int("backup", b.Number).
			Str("size", util.FmtBytes(b.Bytes())).
			Str("age", b.Age(now).Truncate(time.Hour).String()).
			Msg("expiring backup")
		for _, o := range b.Objects {
			if err := s.Delete(ctx, o.Key); err != nil {
				return res, fmt.Errorf("delete %s: %w", o.Key, err)
			}
			res.Objects++
			res.Bytes += o.Size
		}
		res.Backups++
	}
	return res, nil
}

// pipeline/pipeline.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package pipeline runs one archive job: chunks are encrypted by a
// fixed pool of CPU-bound workers, staged to local disk, and drained
// by upload workers through the bandwidth limiter. The staging queue
// is bounded so that encryption can't race arbitrarily far ahead of
// the network and fill the disk with ciphertext.
package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmp/s3bk/crypt"
	"github.com/mmp/s3bk/job"
	"github.com/mmp/s3bk/store"
	"github.com/mmp/s3bk/util"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Config wires one job's collaborators together.
type Config struct {
	Store  store.Store
	Cipher crypt.Cipher
	// Optional; nil means unrestricted uploads.
	Limiter *store.Limiter
	// Directory for ciphertext staging files.
	StagingDir string

	// EncryptWorkers is clamped to the number of CPUs; zero means one
	// worker per CPU.
	EncryptWorkers int
	// UploadWorkers defaults to 2.
	UploadWorkers int
	// QueueSize bounds the number of staged-but-unuploaded ciphertext
	// files; zero means twice the encryption worker count.
	QueueSize int

	// MaxRetries bounds retries of transient upload errors (default 4);
	// RetryBase is the first backoff delay, doubled per retry (default
	// 100ms).
	MaxRetries int
	RetryBase  time.Duration
}

func (cfg *Config) setDefaults() error {
	if cfg.Store == nil {
		return errors.New("pipeline: no store configured")
	}
	if cfg.Cipher == nil {
		return errors.New("pipeline: no cipher configured")
	}
	if cfg.EncryptWorkers <= 0 || cfg.EncryptWorkers > runtime.NumCPU() {
		cfg.EncryptWorkers = runtime.NumCPU()
	}
	if cfg.UploadWorkers <= 0 {
		cfg.UploadWorkers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 2 * cfg.EncryptWorkers
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 100 * time.Millisecond
	}
	return nil
}

// Run ships every chunk of the job and returns nil only if all of them
// were uploaded and verified. The first permanent failure cancels the
// whole job: every worker polls the shared context each iteration, so
// no further chunks are admitted once anything has gone wrong.
// Ciphertext of confirmed uploads is deleted as it completes; staged
// ciphertext of a failed job is left in place for inspection.
func Run(ctx context.Context, cfg Config, chunks []job.Chunk) error {
	if err := cfg.setDefaults(); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return job.ErrNoChunks
	}

	log.Info().
		Int("chunks", len(chunks)).
		Int("encrypt_workers", cfg.EncryptWorkers).
		Int("upload_workers", cfg.UploadWorkers).
		Int("queue", cfg.QueueSize).
		Str("store", cfg.Store.String()).
		Msg("starting job")

	g, ctx := errgroup.WithContext(ctx)

	pending := make(chan job.Chunk)
	staged := make(chan crypt.Encrypted, cfg.QueueSize)
	// One slot per ciphertext file that may exist on disk at once;
	// acquired before encrypting, released after the upload is
	// confirmed and the file removed.
	slots := make(chan struct{}, cfg.QueueSize)

	var uploaded atomic.Int64

	g.Go(func() error {
		defer close(pending)
		for _, c := range chunks {
			select {
			case pending <- c:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	var encrypters sync.WaitGroup
	encrypters.Add(cfg.EncryptWorkers)
	for i := 0; i < cfg.EncryptWorkers; i++ {
		g.Go(func() error {
			defer encrypters.Done()
			for c := range pending {
				select {
				case slots <- struct{}{}:
				case <-ctx.Done():
					return ctx.Err()
				}

				ec, err := crypt.EncryptChunk(ctx, cfg.Cipher, c, cfg.StagingDir)
				if err != nil {
					// Cipher failures are never retried.
					return err
				}
				log.Debug().Str("key", c.Key()).
					Str("size", util.FmtBytes(ec.Size)).Msg("encrypted")

				select {
				case staged <- ec:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		encrypters.Wait()
		close(staged)
	}()

	for i := 0; i < cfg.UploadWorkers; i++ {
		g.Go(func() error {
			for ec := range staged {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := uploadChunk(ctx, &cfg, ec); err != nil {
					return err
				}
				// Durable; reclaim the staging space and its slot.
				if err := os.Remove(ec.Path); err != nil {
					log.Warn().Err(err).Str("path", ec.Path).Msg("removing staged ciphertext")
				}
				uploaded.Add(1)
				<-slots
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if n := int(uploaded.Load()); n != len(chunks) {
		return fmt.Errorf("job incomplete: %d of %d chunks uploaded", n, len(chunks))
	}

	log.Info().Int("chunks", len(chunks)).Msg("job complete")
	return nil
}

// uploadChunk sends one staged ciphertext file: transient errors are
// retried with exponential backoff, a store-reported checksum mismatch
// gets exactly one fresh upload, and everything else fails the job.
func uploadChunk(ctx context.Context, cfg *Config, ec crypt.Encrypted) error {
	key := ec.Chunk.Key()
	wantETag := hex.EncodeToString(ec.MD5)
	resent := false

	for attempt := 0; ; attempt++ {
		obj, err := putStaged(ctx, cfg, ec)
		if err == nil {
			if obj.ETag == wantETag {
				log.Info().Str("key", key).
					Str("size", util.FmtBytes(ec.Size)).Msg("uploaded")
				return nil
			}
			log.Warn().Str("key", key).Str("etag", obj.ETag).
				Str("want", wantETag).Msg("store-reported checksum mismatch")
			if !resent {
				resent = true
				continue
			}
			return fmt.Errorf("%s: mismatch persisted after re-upload: %w", key, store.ErrChecksum)
		}

		if !store.Transient(err) {
			return fmt.Errorf("%s: %w", key, err)
		}
		if attempt >= cfg.MaxRetries {
			return fmt.Errorf("%s: retries exhausted: %w", key, err)
		}

		delay := cfg.RetryBase << uint(attempt)
		log.Warn().Str("key", key).Dur("backoff", delay).Err(err).
			Msg("transient upload error")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func putStaged(ctx context.Context, cfg *Config, ec crypt.Encrypted) (store.Object, error) {
	f, err := os.Open(ec.Path)
	if err != nil {
		return store.Object{}, err
	}
	defer f.Close()

	var r io.Reader = &util.ReportingReader{R: f, Msg: "uploading " + ec.Chunk.Key()}
	if cfg.Limiter != nil {
		r = cfg.Limiter.Reader(r)
	}
	return cfg.Store.Put(ctx, ec.Chunk.Key(), r, ec.Size, ec.MD5)
}

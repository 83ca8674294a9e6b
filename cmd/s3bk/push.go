// cmd/s3bk/push.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/mmp/s3bk/crypt"
	"github.com/mmp/s3bk/job"
	"github.com/mmp/s3bk/parity"
	"github.com/mmp/s3bk/pipeline"
	"github.com/mmp/s3bk/store"
)

type Push struct {
	Host           string   `required:"" help:"Host the archive belongs to."`
	Backup         int      `required:"" help:"Backup number for this job."`
	Compression    string   `default:"" enum:",none,gzip,bzip2,xz" help:"Compression the archive was created with."`
	PassphraseFile string   `required:"" type:"existingfile" help:"File holding the symmetric passphrase."`
	Parity         []string `type:"existingfile" help:"Parity chunk files, shipped after the data chunks."`
	Verify         bool     `help:"Check chunks against parity sidecars before shipping; repair in place when possible."`
	Staging        string   `help:"Directory for staged ciphertext; a temporary one when unset."`
	RateFile       string   `help:"File with the upload ceiling in bytes/sec, re-read while the job runs."`
	Gpg            string   `default:"gpg" help:"Cipher binary to run."`
	Workers        int      `help:"Encryption workers; one per CPU when unset."`
	Queue          int      `help:"Bound on staged-but-unuploaded ciphertext files."`

	Paths []string `arg:"" type:"existingfile" help:"Chunk files in archive order."`
}

func (p *Push) run(ctx context.Context, s store.Store) error {
	secret, err := crypt.LoadSecret(p.PassphraseFile)
	if err != nil {
		return err
	}

	if p.Verify {
		if err := p.verifyChunks(); err != nil {
			return err
		}
	}

	cfg := job.Config{
		Host:        p.Host,
		BackupNum:   p.Backup,
		Compression: p.Compression,
		ChunkPaths:  p.Paths,
		ParityPaths: p.Parity,
	}
	chunks, err := cfg.Chunks()
	if err != nil {
		return err
	}

	staging := p.Staging
	madeStaging := false
	if staging == "" {
		staging, err = os.MkdirTemp("", "s3bk-staging-")
		if err != nil {
			return err
		}
		madeStaging = true
	}

	var limiter *store.Limiter
	if p.RateFile != "" {
		limiter = store.NewLimiter(store.FileLimit{Path: p.RateFile})
		defer limiter.Close()
	}

	err = pipeline.Run(ctx, pipeline.Config{
		Store:          s,
		Cipher:         &crypt.GPG{Passphrase: secret, Binary: p.Gpg},
		Limiter:        limiter,
		StagingDir:     staging,
		EncryptWorkers: p.Workers,
		QueueSize:      p.Queue,
	}, chunks)

	// Leftover ciphertext of a failed job stays put for inspection.
	if err == nil && madeStaging {
		if rmErr := os.RemoveAll(staging); rmErr != nil {
			log.Warn().Err(rmErr).Str("dir", staging).Msg("removing staging directory")
		}
	}
	return err
}

// verifyChunks checks every chunk that has a parity sidecar, repairing
// in place when the damage is within what the parity can absorb.
func (p *Push) verifyChunks() error {
	for _, fn := range append(append([]string(nil), p.Paths...), p.Parity...) {
		err := parity.CheckFile(fn)
		switch {
		case err == nil:
			log.Debug().Str("file", fn).Msg("parity check passed")
		case errors.Is(err, parity.ErrNoSidecar):
			log.Debug().Str("file", fn).Msg("no parity sidecar; skipping check")
		case errors.Is(err, parity.ErrFileCorrupt):
			log.Warn().Str("file", fn).Msg("chunk corrupt; attempting repair")
			if err := parity.RestoreFile(fn); err != nil {
				return fmt.Errorf("%s: repair failed: %w", fn, err)
			}
			if err := parity.CheckFile(fn); err != nil {
				return fmt.Errorf("%s: still corrupt after repair: %w", fn, err)
			}
			log.Info().Str("file", fn).Msg("repaired from parity")
		default:
			return fmt.Errorf("%s: %w", fn, err)
		}
	}
	return nil
}

// restore/script.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package restore emits self-contained shell scripts that rebuild a
// backup without any of this code: each chunk is fetched over a
// pre-signed URL, decrypted with gpg, and the plaintext parts are
// concatenated back into the archive. The recipient needs wget, gpg,
// tar, and the passphrase; no store credentials.
package restore

import (
	"context"
	"fmt"
	"io"
	"text/template"
	"time"

	"github.com/mmp/s3bk/inventory"
	"github.com/mmp/s3bk/store"
	"github.com/mmp/s3bk/util"
	"github.com/rs/zerolog/log"
)

// DefaultExpire is how long the script's URLs remain valid if the
// caller doesn't say otherwise.
const DefaultExpire = 24 * time.Hour

// Options adjusts script generation.
type Options struct {
	// Expire is the pre-signed URL lifetime; zero means DefaultExpire.
	Expire time.Duration
	// Compression names the filter the archive was compressed with
	// before chunking: "gzip", "bzip2", "xz", or "" for none.
	Compression string
}

// decompress maps a compression name to the pipe stage that undoes it.
var decompress = map[string]string{
	"":      "",
	"none":  "",
	"gzip":  "gzip -dc",
	"bzip2": "bzip2 -dc",
	"xz":    "xz -dc",
}

type scriptPart struct {
	Name string // local filename, e.g. part-0003.gpg
	URL  string
}

type scriptData struct {
	Host        string
	Number      int
	Created     string
	Expires     string
	ExpiresUnix int64
	Bytes       string
	Parts       []scriptPart
	Decompress  string
}

// Generate writes a restore script for b to w, signing one URL per
// chunk. Parts appear in sequence order; any parity objects at the tail
// are harmless to the final extraction since tar stops at its
// end-of-archive marker.
func Generate(ctx context.Context, s store.Store, b *inventory.Backup, opts Options, w io.Writer) error {
	if opts.Expire <= 0 {
		opts.Expire = DefaultExpire
	}
	filter, ok := decompress[opts.Compression]
	if !ok {
		return fmt.Errorf("restore: unknown compression %q", opts.Compression)
	}

	chunks := b.Chunks()
	if len(chunks) == 0 {
		return fmt.Errorf("restore: %s/%d: %w", b.Host, b.Number, store.ErrNotFound)
	}

	now := time.Now()
	data := scriptData{
		Host:        b.Host,
		Number:      b.Number,
		Created:     b.LastUpload.UTC().Format(time.RFC1123),
		Expires:     now.Add(opts.Expire).UTC().Format(time.RFC1123),
		ExpiresUnix: now.Add(opts.Expire).Unix(),
		Bytes:       util.FmtBytes(b.Bytes()),
		Decompress:  filter,
	}

	for i, c := range chunks {
		u, err := s.SignedURL(ctx, c.Key, opts.Expire)
		if err != nil {
			return fmt.Errorf("restore: sign %s: %w", c.Key, err)
		}
		data.Parts = append(data.Parts, scriptPart{
			Name: fmt.Sprintf("part-%04d.gpg", i+1),
			URL:  u,
		})
	}

	log.Info().Str("host", b.Host).Int("backup", b.Number).
		Int("parts", len(data.Parts)).Dur("expire", opts.Expire).
		Msg("generated restore script")

	return scriptTmpl.Execute(w, data)
}

var scriptTmpl = template.Must(template.New("restore").Parse(`#!/bin/sh
# Restore script for backup {{.Host}}/{{.Number}} ({{.Bytes}}).
#
# Created {{.Created}}.
# The download URLs below expire {{.Expires}}.
#
# Usage: sh restore.sh <destination-directory>
#
# Requires wget, gpg, and tar. You will be prompted for the backup
# passphrase.

set -e

if [ $(date +%s) -gt {{.ExpiresUnix}} ]; then
    echo "restore: the download URLs in this script have expired." 1>&2
    echo "restore: regenerate the script and try again." 1>&2
    exit 1
fi

if [ $# -ne 1 ]; then
    echo "usage: sh restore.sh <destination-directory>" 1>&2
    exit 1
fi
dest="$1"

if [ -e "$dest" ]; then
    echo "restore: $dest already exists; refusing to overwrite." 1>&2
    exit 1
fi
mkdir -p "$dest"

scratch="$dest/.restore-parts"
mkdir "$scratch"

echo "restore: downloading {{len .Parts}} parts..."
{{range .Parts}}wget -q -O "$scratch/{{.Name}}" '{{.URL}}'
{{end}}
echo "restore: decrypting..."
gpg --decrypt-files <<EOF
{{range .Parts}}$scratch/{{.Name}}
{{end}}EOF

echo "restore: extracting..."
{{if .Decompress}}cat "$scratch"/part-???? | {{.Decompress}} | (cd "$dest" && tar -xf -)
{{else}}cat "$scratch"/part-???? | (cd "$dest" && tar -xf -)
{{end}}
rm -rf "$scratch"

echo "restore: DONE; contents are in $dest"
`))

// cmd/s3bk/main.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gentoomaniac/logging"
	"github.com/rs/zerolog/log"

	"github.com/mmp/s3bk/inventory"
	"github.com/mmp/s3bk/restore"
	"github.com/mmp/s3bk/store"
	"github.com/mmp/s3bk/util"
)

var (
	version = "unset"
	commit  = "unset"
	binName = "s3bk"
	builtBy = "manual"
	date    = "unset"
)

var cli struct {
	logging.LoggingConfig

	Bucket    string `help:"S3 bucket holding the backups." env:"S3BK_BUCKET" required:""`
	Region    string `help:"S3 region." env:"S3BK_REGION" default:"us-east-1"`
	Endpoint  string `help:"Endpoint URL for S3-compatible stores." env:"S3BK_ENDPOINT"`
	AccessKey string `help:"S3 access key; the default credential chain applies when empty." env:"S3BK_ACCESS_KEY"`
	SecretKey string `help:"S3 secret key." env:"S3BK_SECRET_KEY"`

	List struct {
		Host string `arg:"" optional:"" help:"Only list this host's backups."`
	} `cmd:"" default:"1" help:"List the stored backups."`

	Delete struct {
		Age int `required:"" help:"Delete backups whose newest chunk is older than this many days."`
	} `cmd:"" help:"Delete backups past their retention age."`

	Script struct {
		Host        string `required:"" help:"Host whose backup to restore."`
		Backup      int    `default:"-1" help:"Backup number; the newest when unset."`
		Expire      int    `default:"86400" help:"Seconds the download URLs stay valid."`
		Compression string `default:"" enum:",none,gzip,bzip2,xz" help:"Compression the archive was created with."`
		Output      string `short:"o" default:"-" help:"Write the script here instead of stdout."`
	} `cmd:"" help:"Emit a self-contained restore script with pre-signed URLs."`

	Push Push `cmd:"" help:"Encrypt and upload an archive's chunks."`

	Version kong.VersionFlag `short:"v" help:"Display version."`
}

func main() {
	kctx := kong.Parse(&cli, kong.UsageOnError(), kong.Vars{
		"version": version,
		"commit":  commit,
		"binName": binName,
		"builtBy": builtBy,
		"date":    date,
	})
	logging.Setup(&cli.LoggingConfig)

	ctx := context.Background()
	s, err := store.NewS3(ctx, store.S3Options{
		Bucket:    cli.Bucket,
		Region:    cli.Region,
		Endpoint:  cli.Endpoint,
		AccessKey: cli.AccessKey,
		SecretKey: cli.SecretKey,
	})
	if err != nil {
		log.Error().Err(err).Msg("opening store")
		kctx.Exit(1)
	}

	switch cmd := strings.Fields(kctx.Command())[0]; cmd {
	case "list":
		err = list(ctx, s, cli.List.Host)
	case "delete":
		err = expire(ctx, s, cli.Delete.Age)
	case "script":
		err = script(ctx, s)
	case "push":
		err = cli.Push.run(ctx, s)
	default:
		err = fmt.Errorf("unhandled command %q", cmd)
	}
	if err != nil {
		log.Error().Err(err).Msg(binName + " failed")
		kctx.Exit(1)
	}
	kctx.Exit(0)
}

func list(ctx context.Context, s store.Store, host string) error {
	backups, err := inventory.List(ctx, s, host)
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		fmt.Println("no backups stored")
		return nil
	}

	now := time.Now()
	fmt.Printf("%-20s %7s %7s %10s  %s\n", "HOST", "BACKUP", "CHUNKS", "SIZE", "AGE")
	for _, b := range backups {
		fmt.Printf("%-20s %7d %7d %10s  %s\n", b.Host, b.Number, len(b.Objects),
			util.FmtBytes(b.Bytes()), fmtAge(b.Age(now)))
	}
	return nil
}

func fmtAge(d time.Duration) string {
	switch {
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours())/24)
	}
}

func expire(ctx context.Context, s store.Store, days int) error {
	res, err := inventory.Expire(ctx, s, time.Duration(days)*24*time.Hour, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d backups (%d objects, %s)\n",
		res.Backups, res.Objects, util.FmtBytes(res.Bytes))
	return nil
}

func script(ctx context.Context, s store.Store) error {
	b, err := inventory.Find(ctx, s, cli.Script.Host, cli.Script.Backup)
	if err != nil {
		return err
	}

	out := os.Stdout
	if cli.Script.Output != "-" {
		f, err := os.OpenFile(cli.Script.Output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	return restore.Generate(ctx, s, b, restore.Options{
		Expire:      time.Duration(cli.Script.Expire) * time.Second,
		Compression: cli.Script.Compression,
	}, out)
}

// store/s3.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options configures the S3 store.
type S3Options struct {
	Bucket string
	Region string
	// Optional; for S3-compatible stores (minio et al).
	Endpoint string
	// Optional; the default credential chain is used when empty.
	AccessKey string
	SecretKey string
}

type s3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// NewS3 returns a Store backed by an S3 bucket. Pre-signed URLs are
// produced with the store's own request-signing algorithm (SigV4), so
// they remain valid for exactly the requested expiry and for nothing
// else.
func NewS3(ctx context.Context, options S3Options) (Store, error) {
	if options.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if options.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(options.Region))
	}
	if options.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(options.AccessKey,
				options.SecretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if options.Endpoint != "" {
			endpoint := options.Endpoint
			if !strings.Contains(endpoint, "://") {
				endpoint = "https://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &s3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  options.Bucket,
	}, nil
}

func (s *s3Store) String() string {
	return "s3://" + s.bucket
}

func (s *s3Store) Put(ctx context.Context, key string, r io.Reader, size int64, md5sum []byte) (Object, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	}
	if len(md5sum) > 0 {
		input.ContentMD5 = aws.String(base64.StdEncoding.EncodeToString(md5sum))
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return Object{}, wrapError(err, "s3: put "+key)
	}

	return Object{
		Key:          key,
		Size:         size,
		LastModified: time.Now().UTC(),
		ETag:         stripETag(aws.ToString(out.ETag)),
	}, nil
}

func (s *s3Store) Head(ctx context.Context, key string) (Object, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Object{}, wrapError(err, "s3: head "+key)
	}

	obj := Object{
		Key:  key,
		Size: aws.ToInt64(out.ContentLength),
		ETag: stripETag(aws.ToString(out.ETag)),
	}
	if out.LastModified != nil {
		obj.LastModified = *out.LastModified
	}
	return obj, nil
}

func (s *s3Store) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, wrapError(err, "s3: list "+prefix)
		}

		for _, c := range out.Contents {
			obj := Object{
				Key:  aws.ToString(c.Key),
				Size: aws.ToInt64(c.Size),
				ETag: stripETag(aws.ToString(c.ETag)),
			}
			if c.LastModified != nil {
				obj.LastModified = *c.LastModified
			}
			objects = append(objects, obj)
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return objects, nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return wrapError(err, "s3: delete "+key)
}

func (s *s3Store) SignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", wrapError(err, "s3: sign "+key)
	}
	return req.URL, nil
}

func stripETag(etag string) string {
	return strings.Trim(etag, `"`)
}

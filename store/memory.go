// store/memory.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package store

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	data     []byte
	modified time.Time
	etag     string
}

// Memory is a Store that keeps all objects in RAM. It's really only
// useful for testing of code built on top of Store, where we may want
// to save the trouble of talking to a real bucket.
//
// Its signed URLs follow the same shape as S3 query-string auth (an
// expiry epoch plus an HMAC over verb, key, and expiry) so that expiry
// semantics can be exercised offline with VerifySignedURL.
type Memory struct {
	mu      sync.Mutex
	objects map[string]memObject
	secret  []byte

	// Now is consulted for upload timestamps and URL expiry; tests may
	// replace it. Defaults to time.Now.
	Now func() time.Time
}

func NewMemory() *Memory {
	secret := make([]byte, 32)
	_, _ = rand.Read(secret)
	return &Memory{
		objects: make(map[string]memObject),
		secret:  secret,
		Now:     time.Now,
	}
}

func (m *Memory) String() string {
	return "memory"
}

// Duplicate the provided byte slice.
func dupe(src []byte) []byte {
	d := make([]byte, len(src))
	copy(d, src)
	return d
}

func (m *Memory) Put(ctx context.Context, key string, r io.Reader, size int64, md5sum []byte) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return Object{}, &TransientError{Err: fmt.Errorf("memory: put %s: %w", key, err)}
	}

	sum := md5.Sum(data)
	if len(md5sum) > 0 && !hmac.Equal(md5sum, sum[:]) {
		// What a real store reports as a BadDigest rejection.
		return Object{}, &TransientError{Err: fmt.Errorf("memory: put %s: content digest mismatch", key)}
	}

	obj := memObject{
		data:     dupe(data),
		modified: m.Now().UTC(),
		etag:     hex.EncodeToString(sum[:]),
	}

	m.mu.Lock()
	m.objects[key] = obj
	m.mu.Unlock()

	return Object{Key: key, Size: int64(len(data)), LastModified: obj.modified, ETag: obj.etag}, nil
}

func (m *Memory) Head(ctx context.Context, key string) (Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return Object{}, fmt.Errorf("memory: head %s: %w", key, ErrNotFound)
	}
	return Object{Key: key, Size: int64(len(obj.data)), LastModified: obj.modified, ETag: obj.etag}, nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var objects []Object
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, Object{
				Key:          key,
				Size:         int64(len(obj.data)),
				LastModified: obj.modified,
				ETag:         obj.etag,
			})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Contents returns a copy of a stored object's bytes, or nil if absent.
func (m *Memory) Contents(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.objects[key]; ok {
		return dupe(obj.data)
	}
	return nil
}

func (m *Memory) SignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	m.mu.Lock()
	_, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("memory: sign %s: %w", key, ErrNotFound)
	}

	exp := m.Now().Add(expires).Unix()
	sig := m.sign(key, exp)
	return fmt.Sprintf("https://memory.invalid/%s?Expires=%d&Signature=%s",
		key, exp, sig), nil
}

// VerifySignedURL checks a URL produced by SignedURL as the store would
// at time `at`: a bad signature or an elapsed expiry yields an error
// wrapping ErrAuth.
func (m *Memory) VerifySignedURL(raw string, at time.Time) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("memory: verify: %w", err)
	}
	key := strings.TrimPrefix(u.Path, "/")

	exp, err := strconv.ParseInt(u.Query().Get("Expires"), 10, 64)
	if err != nil {
		return fmt.Errorf("memory: verify %s: bad expiry: %w", key, ErrAuth)
	}
	if !hmac.Equal([]byte(u.Query().Get("Signature")), []byte(m.sign(key, exp))) {
		return fmt.Errorf("memory: verify %s: bad signature: %w", key, ErrAuth)
	}
	if at.Unix() > exp {
		return fmt.Errorf("memory: verify %s: URL expired: %w", key, ErrAuth)
	}
	return nil
}

func (m *Memory) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, m.secret)
	fmt.Fprintf(mac, "GET\n%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

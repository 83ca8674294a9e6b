// store/ratelimit.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

// Derived from skicka: gdrive/readers.go. (c)2015, Google, Inc. (BSD Licensed).

package store

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LimitSource provides the current upload bandwidth ceiling in bytes
// per second; a value <= 0 means unrestricted. The limiter re-reads it
// on every refill tick, so an operator may raise or lower the ceiling
// while a job is running.
type LimitSource interface {
	Limit() int
}

// FixedLimit is a LimitSource with a constant value.
type FixedLimit int

func (f FixedLimit) Limit() int { return int(f) }

// FileLimit reads the ceiling from an operator-editable file holding a
// single integer (bytes per second). A missing or malformed file means
// unrestricted.
type FileLimit struct {
	Path string
}

func (f FileLimit) Limit() int {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}
	return n
}

const refillInterval = 125 * time.Millisecond

// Limiter hands out upload bandwidth from a token bucket that a
// background task tops up eight times a second with 1/8th of the
// current per-second limit. Readers obtained from Reader() block while
// the bucket is empty, so as long as every upload body is wrapped,
// aggregate throughput stays under the ceiling.
type Limiter struct {
	src LimitSource

	mu        sync.Mutex
	cond      *sync.Cond
	limit     int
	available int
	closed    bool
	done      chan struct{}
}

func NewLimiter(src LimitSource) *Limiter {
	l := &Limiter{
		src:  src,
		done: make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	l.limit = src.Limit()

	go func() {
		ticker := time.NewTicker(refillInterval)
		defer ticker.Stop()
		for {
			select {
			case <-l.done:
				return
			case <-ticker.C:
				l.refill()
			}
		}
	}()

	return l
}

// refill re-reads the limit source and doles out another tick's worth
// of bandwidth. The 94/100 factor adds some slop to account for TCP/IP
// overhead and HTTP headers in an effort to have the actual bandwidth
// used not exceed the desired limit.
func (l *Limiter) refill() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limit = l.src.Limit()
	if l.limit <= 0 {
		l.available = 0
		l.cond.Broadcast()
		return
	}

	l.available += l.limit * 94 / 100 / 8
	if l.available > l.limit {
		// Don't ever queue up more than one second's worth of
		// transmission.
		l.available = l.limit
	}
	l.cond.Broadcast()
}

func (l *Limiter) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.done)
		l.cond.Broadcast()
	}
	l.mu.Unlock()
}

// Reader wraps r so that reads draw from the limiter's bucket. The
// current limit is consulted on every read, not captured at wrap time.
func (l *Limiter) Reader(r io.Reader) io.Reader {
	if l == nil {
		return r
	}
	return &limitedReader{l: l, r: r}
}

type limitedReader struct {
	l *Limiter
	r io.Reader
}

func (lr *limitedReader) Read(dst []byte) (int, error) {
	l := lr.l

	l.mu.Lock()
	for {
		if l.limit <= 0 || l.closed {
			l.mu.Unlock()
			return lr.r.Read(dst)
		}
		if l.available > 0 {
			break
		}
		// Wait for the refill task to dole out more bandwidth.
		l.cond.Wait()
	}

	n := len(dst)
	if n > l.available {
		n = l.available
	}
	l.available -= n
	l.mu.Unlock()

	read, err := lr.r.Read(dst[:n])
	if read < n {
		// Give back the bandwidth that we reserved but didn't use.
		l.mu.Lock()
		l.available += n - read
		l.mu.Unlock()
	}

	return read, err
}

// Package resource keeps the latest result of a GET endpoint for a view. It
// refetches when the key changes, on request, and optionally on an interval.
package resource

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-client/authcall"
	"github.com/jrsteele09/go-auth-client/autherr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Fetcher sends one logical request. authcall.Caller implements it.
type Fetcher interface {
	Do(ctx context.Context, req *authcall.Request) (*authcall.Response, error)
}

var _ Fetcher = (*authcall.Caller)(nil)

// State is what a view renders.
type State[T any] struct {
	Key       string
	Data      T
	Err       error
	IsLoading bool
}

// Resource tracks one endpoint. It is safe for concurrent use.
type Resource[T any] struct {
	src      Fetcher
	auth     bool
	interval time.Duration
	decode   func([]byte) (T, error)
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   State[T]
	seq     uint64
	latched bool
	closed  bool
	updates chan State[T]
}

type Option[T any] func(*Resource[T])

// WithAuth controls whether requests carry the session. Default true.
func WithAuth[T any](auth bool) Option[T] {
	return func(r *Resource[T]) {
		r.auth = auth
	}
}

// WithRefreshInterval revalidates every d while the resource is open. A tick
// is skipped while a load is in flight.
func WithRefreshInterval[T any](d time.Duration) Option[T] {
	return func(r *Resource[T]) {
		r.interval = d
	}
}

// WithDecoder replaces the default JSON decoding of the response body.
func WithDecoder[T any](decode func([]byte) (T, error)) Option[T] {
	return func(r *Resource[T]) {
		r.decode = decode
	}
}

func WithLogger[T any](l zerolog.Logger) Option[T] {
	return func(r *Resource[T]) {
		r.logger = l
	}
}

// New creates a resource for key and starts loading it. An empty key stays idle.
func New[T any](src Fetcher, key string, options ...Option[T]) *Resource[T] {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Resource[T]{
		src:     src,
		auth:    true,
		decode:  decodeJSON[T],
		logger:  log.Logger,
		ctx:     ctx,
		cancel:  cancel,
		updates: make(chan State[T], 1),
	}
	for _, opt := range options {
		opt(r)
	}

	r.mu.Lock()
	r.resetLocked(key)
	r.mu.Unlock()

	if r.interval > 0 {
		r.wg.Add(1)
		go r.poll()
	}
	return r
}

// State returns the current state.
func (r *Resource[T]) State() State[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Updates delivers every new state. A slow reader only misses intermediate
// states. The channel is closed by Close.
func (r *Resource[T]) Updates() <-chan State[T] {
	return r.updates
}

// SetKey switches to key and loads it. Setting the current key again does nothing.
func (r *Resource[T]) SetKey(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || key == r.state.Key {
		return
	}
	r.resetLocked(key)
}

// Revalidate reloads the current key. After a session error it does nothing
// until the key changes.
func (r *Resource[T]) Revalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.latched || r.state.Key == "" {
		return
	}
	r.state.IsLoading = true
	r.publishLocked()
	r.fetchLocked()
}

// Close stops polling, abandons in-flight loads and closes Updates.
func (r *Resource[T]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	close(r.updates)
}

func (r *Resource[T]) resetLocked(key string) {
	r.latched = false
	r.seq++
	r.state = State[T]{Key: key, IsLoading: key != ""}
	r.publishLocked()
	if key != "" {
		r.fetchLocked()
	}
}

func (r *Resource[T]) fetchLocked() {
	r.seq++
	seq, key := r.seq, r.state.Key

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		data, err := r.load(key)
		r.apply(seq, data, err)
	}()
}

func (r *Resource[T]) load(key string) (T, error) {
	var zero T
	resp, err := r.src.Do(r.ctx, &authcall.Request{Method: http.MethodGet, Path: key, SkipAuth: !r.auth})
	if err != nil {
		return zero, err
	}
	return r.decode(resp.Body)
}

func (r *Resource[T]) apply(seq uint64, data T, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || seq != r.seq {
		return
	}

	r.state.IsLoading = false
	if err != nil {
		r.state.Err = err
		if autherr.IsTerminalSession(err) {
			r.latched = true
			r.logger.Debug().Str("key", r.state.Key).Err(err).Msg("session ended, not revalidating until the key changes")
		}
	} else {
		r.state.Data = data
		r.state.Err = nil
	}
	r.publishLocked()
}

func (r *Resource[T]) publishLocked() {
	if r.closed {
		return
	}
	select {
	case <-r.updates:
	default:
	}
	r.updates <- r.state
}

func (r *Resource[T]) poll() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			if !r.closed && !r.latched && !r.state.IsLoading && r.state.Key != "" {
				r.state.IsLoading = true
				r.publishLocked()
				r.fetchLocked()
			}
			r.mu.Unlock()
		}
	}
}

func decodeJSON[T any](body []byte) (T, error) {
	var v T
	if len(body) == 0 {
		return v, nil
	}
	err := json.Unmarshal(body, &v)
	return v, err
}

// Package idempotency replays the stored response of a POST retried with the
// same Idempotency-Key.
package idempotency

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/concert-seat-admission/internal/observability"
)

const (
	Header    = "Idempotency-Key"
	minKeyLen = 16
)

type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

type Store interface {
	Get(ctx context.Context, key string) (*Response, error)
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, resp Response, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

type Idempotency struct {
	store  Store
	ttl    time.Duration
	logger observability.Logger
}

func NewIdempotency(store Store, ttl time.Duration, logger observability.Logger) *Idempotency {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Idempotency{store: store, ttl: ttl, logger: logger}
}

// ErrInFlight means another request with the same key has not finished.
var ErrInFlight = errors.New("request with this idempotency key is in progress")

// Middleware requires an Idempotency-Key on POST. Keys are scoped by scope(r)
// so two callers can never see each other's responses. Responses with a
// 5xx status are not stored and the key can be retried.
func (i *Idempotency) Middleware(scope func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			raw := r.Header.Get(Header)
			if raw == "" {
				http.Error(w, "missing Idempotency-Key", http.StatusBadRequest)
				return
			}
			if len(raw) < minKeyLen {
				http.Error(w, "invalid Idempotency-Key", http.StatusBadRequest)
				return
			}
			ctx := r.Context()
			key := scope(r) + ":" + r.URL.Path + ":" + raw
			log := i.logger.WithField("idempotency_key", raw)

			stored, err := i.store.Get(ctx, key)
			if err != nil {
				log.WithError(err).Error("idempotency lookup failed")
				http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
				return
			}
			if stored != nil {
				replay(w, stored)
				return
			}

			claimed, err := i.store.Claim(ctx, key, i.ttl)
			if err != nil {
				log.WithError(err).Error("idempotency claim failed")
				http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
				return
			}
			if !claimed {
				http.Error(w, ErrInFlight.Error(), http.StatusConflict)
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError {
				if err := i.store.Release(ctx, key); err != nil {
					log.WithError(err).Warn("idempotency release failed")
				}
				return
			}
			resp := Response{Status: rec.status, ContentType: rec.Header().Get("Content-Type"), Body: rec.body.Bytes()}
			if err := i.store.Set(ctx, key, resp, i.ttl); err != nil {
				log.WithError(err).Warn("idempotency store failed")
			}
		})
	}
}

func replay(w http.ResponseWriter, resp *Response) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

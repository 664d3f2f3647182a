// Package idempotency implements request-level idempotency for unsafe
// HTTP verbs (§4.1): a client-supplied Idempotency-Key plus a canonical
// hash of the request body guards against duplicate side effects on
// retry, replaying the first response for a repeat and rejecting a
// reused key with a different body.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"sort"

	"github.com/sandchest/sandchest/internal/apierr"
	"github.com/sandchest/sandchest/internal/identity"
	"github.com/sandchest/sandchest/internal/repo"
)

const headerKey = "Idempotency-Key"

// CanonicalHash hashes method+path+sorted-key JSON body into a stable
// digest so two requests are considered the same iff they would produce
// the same side effects.
func CanonicalHash(method, path string, body []byte) (string, error) {
	var canon any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &canon); err != nil {
			canon = string(body)
		}
	}
	canonBody, err := marshalSorted(canon)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(canonBody)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// marshalSorted re-marshals v with object keys sorted, so semantically
// identical JSON bodies with differently ordered keys hash identically.
func marshalSorted(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := marshalSorted(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			eb, err := marshalSorted(e)
			if err != nil {
				return nil, err
			}
			buf.Write(eb)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return json.Marshal(t)
	}
}

// responseRecorder buffers a handler's response so it can be persisted
// against the idempotency key once the handler completes.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Middleware wraps handlers for unsafe verbs (POST/DELETE) with
// idempotency-key replay semantics. Requests without the header pass
// through untouched.
func Middleware(repoIdem *repo.IdempotencyRepo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodDelete {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get(headerKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ac := identity.FromContext(r.Context())
			body, err := io.ReadAll(r.Body)
			if err != nil {
				apierr.Write(w, requestID(r), apierr.Wrap(apierr.KindValidation, "read request body failed", err))
				return
			}
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			hash, err := CanonicalHash(r.Method, r.URL.Path, body)
			if err != nil {
				apierr.Write(w, requestID(r), apierr.Wrap(apierr.KindInternal, "hash request body failed", err))
				return
			}

			wasNew, rec, err := repoIdem.BeginOrGet(key, ac.OrgID, hash)
			if err != nil {
				apierr.Write(w, requestID(r), apierr.Wrap(apierr.KindInternal, "idempotency lookup failed", err))
				return
			}

			if !wasNew && rec != nil {
				if rec.RequestHash != hash {
					apierr.Write(w, requestID(r), apierr.New(apierr.KindConflict, "idempotency key reused with a different request body"))
					return
				}
				if rec.Status == repo.IdempotencyCompleted {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(rec.ResponseStatus)
					w.Write(rec.ResponseBody)
					return
				}
				apierr.Write(w, requestID(r), apierr.New(apierr.KindConflict, "request with this idempotency key is already in progress"))
				return
			}

			rec2 := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec2, r)

			if err := repoIdem.Complete(key, ac.OrgID, rec2.status, rec2.body.Bytes()); err != nil {
				apierr.Write(w, requestID(r), apierr.Wrap(apierr.KindInternal, "complete idempotency key failed", err))
			}
		})
	}
}

func requestID(r *http.Request) string {
	return r.Header.Get("X-Request-Id")
}

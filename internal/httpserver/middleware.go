package httpserver

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"agentpay/internal/repo"
)

type contextKey string

const principalKey contextKey = "principal"

// principal is the authenticated caller: a user (bearer token), a worker
// (api key), or both when a request carries both credentials.
type principal struct {
	user   *repo.User
	worker *repo.APIKey
}

func principalFrom(ctx context.Context) principal {
	p, _ := ctx.Value(principalKey).(principal)
	return p
}

func hashCredential(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// authenticate resolves credentials into a principal. Resolution failures are
// deferred to the require* wrappers so unauthenticated public routes stay
// possible.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p principal

		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			if token != "" {
				user, err := s.repository.GetUserByCredentialHash(r.Context(), hashCredential(token))
				if err == nil {
					p.user = user
				} else if !errors.Is(err, repo.ErrNotFound) {
					s.logger.Error("credential lookup failed", "error", err)
					writeError(w, http.StatusInternalServerError, "internal error")
					return
				}
			}
		}

		if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
			apiKey, err := s.repository.GetAPIKeyByHash(r.Context(), hashCredential(key))
			if err == nil && apiKey.Role == "worker" {
				p.worker = apiKey
			} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
				s.logger.Error("api key lookup failed", "error", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principalFrom(r.Context()).user == nil {
			writeError(w, http.StatusUnauthorized, "user credential required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireWorker(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principalFrom(r.Context()).worker == nil {
			writeError(w, http.StatusUnauthorized, "worker api key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireOwner admits only the user owning the routed intent.
func (s *Server) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r.Context())
		if p.user == nil {
			writeError(w, http.StatusUnauthorized, "user credential required")
			return
		}
		if !s.ownsIntent(w, r, p.user.ID) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireOwnerOrWorker admits the owning user or any worker.
func (s *Server) requireOwnerOrWorker(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r.Context())
		if p.worker != nil {
			next.ServeHTTP(w, r)
			return
		}
		if p.user == nil {
			writeError(w, http.StatusUnauthorized, "credential required")
			return
		}
		if !s.ownsIntent(w, r, p.user.ID) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ownsIntent writes the response and returns false when the routed intent
// does not belong to userID.
func (s *Server) ownsIntent(w http.ResponseWriter, r *http.Request, userID string) bool {
	intentID := mux.Vars(r)["id"]
	record, err := s.repository.GetIntent(r.Context(), intentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "intent not found")
		} else {
			s.logger.Error("intent lookup failed", "intent_id", intentID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return false
	}
	if record.UserID != userID {
		writeError(w, http.StatusForbidden, "intent belongs to another user")
		return false
	}
	return true
}

const idemCompleted = "completed"

// idempotent guards money-moving POSTs with an Idempotency-Key. The first
// call executes and its response is stored under the key; a replay with the
// same payload returns the stored response verbatim; the same key with a
// different payload is a conflict.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" {
			writeError(w, http.StatusBadRequest, "Idempotency-Key header is required")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		requestHash := hashCredential(r.Method + " " + r.URL.Path + " " + string(body))
		existing, reserved, err := s.repository.ReserveIdempotencyKey(r.Context(), key, requestHash)
		if err != nil {
			s.logger.Error("idempotency reservation failed", "key", key, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !reserved {
			if existing.RequestHash != requestHash {
				writeError(w, http.StatusConflict, "idempotency key reused with a different request")
				return
			}
			if existing.Status != idemCompleted {
				writeError(w, http.StatusConflict, "request with this idempotency key is still in flight")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(existing.ResponseStatus)
			_, _ = w.Write(existing.ResponseBody)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		if err := s.repository.CompleteIdempotencyKey(r.Context(), key, recorder.status, recorder.body.Bytes()); err != nil {
			s.logger.Error("idempotency completion failed", "key", key, "error", err)
		}
	})
}

// responseRecorder tees the response so it can be cached for replays.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

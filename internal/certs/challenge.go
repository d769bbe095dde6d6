package certs

import (
	"net/http"
	"strings"
	"sync"
)

const challengePrefix = "/.well-known/acme-challenge/"

// ChallengeStore holds the http-01 responses of in-flight orders.
type ChallengeStore struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{tokens: make(map[string]string)}
}

func (s *ChallengeStore) Put(token, keyAuth string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = keyAuth
}

func (s *ChallengeStore) Delete(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

func (s *ChallengeStore) get(token string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.tokens[token]
	return v, ok
}

// Handler serves challenge responses and answers everything else with
// fallback, or a plain "https required" when fallback is nil.
func (s *ChallengeStore) Handler(fallback http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, challengePrefix) {
			keyAuth, ok := s.get(strings.TrimPrefix(r.URL.Path, challengePrefix))
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte(keyAuth))
			return
		}
		if fallback != nil {
			fallback.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("https required\n"))
	})
}

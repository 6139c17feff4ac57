package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// tokenRecord is one issued API token. Only the bcrypt hash is stored;
// the plaintext is shown once at issue time.
type tokenRecord struct {
	Name      string    `json:"name"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// TokenStore persists API bearer tokens.
type TokenStore struct {
	path string

	mu     sync.Mutex
	tokens []tokenRecord
}

// NewTokenStore loads (or initializes) the token file.
func NewTokenStore(path string) (*TokenStore, error) {
	s := &TokenStore{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}
	if err := json.Unmarshal(data, &s.tokens); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return s, nil
}

// Issue mints a new token under the given name and returns the plaintext.
func (s *TokenStore) Issue(name string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, tokenRecord{
		Name:      name,
		Hash:      string(hash),
		CreatedAt: time.Now().UTC(),
	})
	if err := s.save(); err != nil {
		s.tokens = s.tokens[:len(s.tokens)-1]
		return "", err
	}
	return token, nil
}

// Validate reports whether the plaintext token matches any issued token.
func (s *TokenStore) Validate(token string) bool {
	s.mu.Lock()
	records := append([]tokenRecord(nil), s.tokens...)
	s.mu.Unlock()

	for _, rec := range records {
		if bcrypt.CompareHashAndPassword([]byte(rec.Hash), []byte(token)) == nil {
			return true
		}
	}
	return false
}

// Names lists issued token names.
func (s *TokenStore) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tokens))
	for _, rec := range s.tokens {
		names = append(names, rec.Name)
	}
	return names
}

// Revoke removes every token issued under name.
func (s *TokenStore) Revoke(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.tokens[:0]
	for _, rec := range s.tokens {
		if rec.Name != name {
			kept = append(kept, rec)
		}
	}
	s.tokens = kept
	return s.save()
}

func (s *TokenStore) save() error {
	data, err := json.MarshalIndent(s.tokens, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0600)
}

// withAuth wraps a handler with bearer token validation. A nil store
// disables authentication.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.tokens == nil {
			next(w, r)
			return
		}
		token := extractBearerToken(r)
		if token == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing_token", "authorization required")
			return
		}
		if !s.tokens.Validate(token) {
			writeJSONError(w, http.StatusForbidden, "invalid_token", "invalid credentials")
			return
		}
		next(w, r)
	}
}

// extractBearerToken pulls the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return auth[len(prefix):]
	}
	return ""
}

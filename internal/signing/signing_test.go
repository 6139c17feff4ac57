package signing

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chainlearn/dalcore/internal/errkind"
	"github.com/chainlearn/dalcore/internal/registry"
	"github.com/chainlearn/dalcore/internal/retry"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

// fastWrites keeps retried tests off the real backoff schedule.
func fastWrites(attempts int) retry.Policy {
	return retry.Policy{
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Multiplier:  1,
		MaxAttempts: attempts,
	}
}

func TestSubmitSignsAndConfirms(t *testing.T) {
	var got envelope
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tx" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode envelope: %v", err)
		}
		_ = json.NewEncoder(w).Encode(registry.Receipt{TxHash: "0xabc", BlockHeight: 7, Status: "confirmed"})
	}))
	defer node.Close()

	s := NewSigner(node.URL, "user-1", testKey, zap.NewNop())
	receipt, err := s.Submit(context.Background(), "project-p1", "incrementRound", "p1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.TxHash != "0xabc" || receipt.BlockHeight != 7 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	if got.Identity != "user-1" || got.Nonce == "" {
		t.Fatalf("envelope missing identity or nonce: %+v", got)
	}
	if err := Verify(testKey, got.Nonce, got.Target, got.Method, got.Args, got.Signature); err != nil {
		t.Fatalf("signature must verify: %v", err)
	}
	if err := Verify([]byte("wrong key padding to length!!!!!"), got.Nonce, got.Target, got.Method, got.Args, got.Signature); err == nil {
		t.Fatal("wrong key must not verify")
	}
}

func TestSubmitErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   errkind.Kind
	}{
		{http.StatusConflict, errkind.Conflict},
		{http.StatusForbidden, errkind.Permanent},
		// Transient statuses are retried; a node that never recovers
		// surfaces as an exhausted budget.
		{http.StatusServiceUnavailable, errkind.Unavailable},
	}
	for _, tc := range cases {
		var requests int
		node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests++
			w.WriteHeader(tc.status)
		}))
		s := NewSigner(node.URL, "user-1", testKey, zap.NewNop())
		s.writes = fastWrites(3)
		_, err := s.Submit(context.Background(), "t", "m")
		node.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if errkind.KindOf(err) != tc.kind {
			t.Fatalf("status %d: expected kind %v, got %v (%v)", tc.status, tc.kind, errkind.KindOf(err), err)
		}
		if tc.kind != errkind.Unavailable && requests != 1 {
			t.Fatalf("status %d must not be retried, saw %d requests", tc.status, requests)
		}
	}
}

func TestSubmitRetriesWithSameNonce(t *testing.T) {
	var (
		mu     sync.Mutex
		nonces []string
	)
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env envelope
		_ = json.NewDecoder(r.Body).Decode(&env)
		mu.Lock()
		nonces = append(nonces, env.Nonce)
		n := len(nonces)
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(registry.Receipt{TxHash: "0xabc", Status: "confirmed"})
	}))
	defer node.Close()

	s := NewSigner(node.URL, "user-1", testKey, zap.NewNop())
	s.writes = fastWrites(5)
	receipt, err := s.Submit(context.Background(), "project-p1", "incrementRound", "p1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.TxHash != "0xabc" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if len(nonces) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(nonces))
	}
	// The node deduplicates on the nonce, so every re-post must carry the
	// same envelope.
	if nonces[0] == "" || nonces[1] != nonces[0] || nonces[2] != nonces[0] {
		t.Fatalf("nonce changed across attempts: %v", nonces)
	}
}

func TestSubmitUnreachableNodeExhaustsRetries(t *testing.T) {
	s := NewSigner("http://127.0.0.1:1", "user-1", testKey, zap.NewNop())
	s.writes = fastWrites(2)
	_, err := s.Submit(context.Background(), "t", "m")
	if errkind.KindOf(err) != errkind.Unavailable {
		t.Fatalf("expected unavailable after retries, got %v", err)
	}
}

func TestLoadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")
	if err := os.WriteFile(path, []byte(hex.EncodeToString(testKey)+"\n"), 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	key, err := LoadKey(path)
	if err != nil {
		t.Fatalf("load key: %v", err)
	}
	if string(key) != string(testKey) {
		t.Fatal("loaded key differs")
	}

	short := filepath.Join(t.TempDir(), "short.key")
	_ = os.WriteFile(short, []byte("abcd"), 0600)
	if _, err := LoadKey(short); err == nil {
		t.Fatal("short key must be rejected")
	}
}

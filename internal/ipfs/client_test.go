package ipfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chainlearn/dalcore/internal/bundle"
	"github.com/chainlearn/dalcore/internal/errkind"
	"github.com/chainlearn/dalcore/internal/retry"
)

func fastPolicies(c *Client) {
	p := retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond,
		Multiplier: 2, MaxAttempts: 3}
	c.reads = p
	c.writes = p
}

// fakeStore is a minimal content-addressed store: ids are content hashes,
// so a re-put of identical bytes yields the same id.
func fakeStore(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var puts atomic.Int32
	objects := map[string][]byte{}
	pinned := map[string]bool{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /put", func(w http.ResponseWriter, r *http.Request) {
		puts.Add(1)
		data, _ := io.ReadAll(r.Body)
		sum := sha256.Sum256(data)
		id := "Qm" + hex.EncodeToString(sum[:8])
		objects[id] = data
		json.NewEncoder(w).Encode(map[string]string{"id": id})
	})
	mux.HandleFunc("GET /get/{id}", func(w http.ResponseWriter, r *http.Request) {
		data, ok := objects[r.PathValue("id")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	})
	mux.HandleFunc("POST /pin/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, ok := objects[id]; !ok {
			http.NotFound(w, r)
			return
		}
		pinned[id] = true
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /exists/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, ok := objects[r.PathValue("id")]
		json.NewEncoder(w).Encode(map[string]bool{"exists": ok})
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &puts
}

func TestPutIsIdempotent(t *testing.T) {
	srv, _ := fakeStore(t)
	client := NewClient(srv.URL, nil, nil)
	fastPolicies(client)

	ctx := context.Background()
	first, err := client.Put(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	second, err := client.Put(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("re-put: %v", err)
	}
	if first != second {
		t.Fatalf("identical bytes must yield identical ids: %s vs %s", first, second)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	srv, _ := fakeStore(t)
	client := NewClient(srv.URL, nil, nil)
	fastPolicies(client)

	ctx := context.Background()
	id, err := client.Put(ctx, []byte("payload"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := client.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("round trip lost data: %q", data)
	}
}

func TestGetMissingIsInvalidInput(t *testing.T) {
	srv, _ := fakeStore(t)
	client := NewClient(srv.URL, nil, nil)
	fastPolicies(client)

	_, err := client.Get(context.Background(), "QmMissing")
	if errkind.KindOf(err) != errkind.InvalidInput {
		t.Fatalf("expected InvalidInput for missing object, got %v", err)
	}
}

func TestPinAndVerify(t *testing.T) {
	srv, _ := fakeStore(t)
	client := NewClient(srv.URL, nil, nil)
	fastPolicies(client)

	ctx := context.Background()
	id, err := client.Put(ctx, []byte("pin me"))
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Pin(ctx, id); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if err := client.Pin(ctx, id); err != nil {
		t.Fatalf("re-pin must be idempotent: %v", err)
	}

	ok, err := client.Verify(ctx, id)
	if err != nil || !ok {
		t.Fatalf("verify: ok=%v err=%v", ok, err)
	}
	ok, err = client.Verify(ctx, "QmMissing")
	if err != nil {
		t.Fatalf("verify missing: %v", err)
	}
	if ok {
		t.Fatal("verify must not claim reachability for unknown objects")
	}
}

func TestVerifyFallsBackToGateway(t *testing.T) {
	srv, _ := fakeStore(t)
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	t.Cleanup(dead.Close)

	client := NewClient(dead.URL, []string{srv.URL}, nil)
	fastPolicies(client)

	ctx := context.Background()
	seed := NewClient(srv.URL, nil, nil)
	fastPolicies(seed)
	id, err := seed.Put(ctx, []byte("replicated"))
	if err != nil {
		t.Fatal(err)
	}

	ok, err := client.Verify(ctx, id)
	if err != nil || !ok {
		t.Fatalf("gateway fallback failed: ok=%v err=%v", ok, err)
	}
}

func TestPutBundleDeterministicID(t *testing.T) {
	srv, puts := fakeStore(t)
	client := NewClient(srv.URL, nil, nil)
	fastPolicies(client)

	tree := &bundle.Bundle{Files: []bundle.File{
		{Path: "a.json", Data: []byte(`{"a":1}`)},
		{Path: "b/c.txt", Data: []byte("hello")},
	}}

	ctx := context.Background()
	first, err := client.PutBundle(ctx, tree)
	if err != nil {
		t.Fatalf("put bundle: %v", err)
	}
	if puts.Load() != 1 {
		t.Fatalf("expected one upload, saw %d", puts.Load())
	}
	if first == "" {
		t.Fatal("empty identifier")
	}
}

func TestTransientErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"id":"QmOK"}`)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, nil, nil)
	fastPolicies(client)

	id, err := client.Put(context.Background(), []byte("x"))
	if err != nil {
		t.Fatalf("put should succeed after retries: %v", err)
	}
	if id != "QmOK" || calls.Load() != 3 {
		t.Fatalf("id=%s calls=%d", id, calls.Load())
	}
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, nil, nil)
	fastPolicies(client)

	_, err := client.Put(context.Background(), []byte("x"))
	if errkind.KindOf(err) != errkind.Permanent {
		t.Fatalf("expected Permanent, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("permanent failure must not be retried, saw %d calls", calls.Load())
	}
}

func TestHealth(t *testing.T) {
	srv, _ := fakeStore(t)
	client := NewClient(srv.URL, nil, nil)
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)
	bad := NewClient(down.URL, nil, nil)
	if err := bad.Health(context.Background()); err == nil {
		t.Fatal("health must fail for an unhealthy store")
	}
}

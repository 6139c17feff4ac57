// Package ipfs talks to the content-addressed object store over HTTP.
// Identifiers are opaque strings; the client never parses or constructs
// them. Put is idempotent by content identity.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chainlearn/dalcore/internal/bundle"
	"github.com/chainlearn/dalcore/internal/errkind"
	"github.com/chainlearn/dalcore/internal/metrics"
	"github.com/chainlearn/dalcore/internal/retry"
)

const service = "objectstore"

// Client is an object-store client bound to one store node plus a set of
// read-only gateways used to verify reachability after publish.
type Client struct {
	baseURL  string
	gateways []string
	http     *http.Client
	breaker  *retry.Breaker
	reads    retry.Policy
	writes   retry.Policy
	logger   *zap.Logger
}

// NewClient constructs a client. gateways may be empty, in which case
// Verify only consults the store node itself.
func NewClient(baseURL string, gateways []string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		gateways: gateways,
		http:     &http.Client{Timeout: 60 * time.Second},
		breaker:  retry.NewBreaker(baseURL),
		reads:    retry.Reads(),
		writes:   retry.Writes(),
		logger:   logger,
	}
}

type putResponse struct {
	ID string `json:"id"`
}

// Put uploads raw bytes and returns their content identifier. Re-uploading
// identical bytes returns the same identifier.
func (c *Client) Put(ctx context.Context, data []byte) (string, error) {
	var id string
	err := retry.Do(ctx, c.writes, "objectstore.put", func(ctx context.Context) error {
		return c.breaker.Call(func() error {
			var err error
			id, err = c.doPut(ctx, "application/octet-stream", bytes.NewReader(data))
			return err
		})
	})
	return id, err
}

// PutBundle uploads a canonical tree as one multipart request, one part per
// file in bundle order, and returns the tree's content identifier.
func (c *Client) PutBundle(ctx context.Context, b *bundle.Bundle) (string, error) {
	var id string
	err := retry.Do(ctx, c.writes, "objectstore.put", func(ctx context.Context) error {
		return c.breaker.Call(func() error {
			body := &bytes.Buffer{}
			mw := multipart.NewWriter(body)
			for _, f := range b.Files {
				part, err := mw.CreateFormFile("file", f.Path)
				if err != nil {
					return errkind.Wrap(errkind.InternalInvariant, "multipart_failed", err)
				}
				if _, err := part.Write(f.Data); err != nil {
					return errkind.Wrap(errkind.InternalInvariant, "multipart_failed", err)
				}
			}
			if err := mw.Close(); err != nil {
				return errkind.Wrap(errkind.InternalInvariant, "multipart_failed", err)
			}
			var err error
			id, err = c.doPut(ctx, mw.FormDataContentType(), body)
			return err
		})
	})
	if err == nil {
		c.logger.Info("bundle uploaded",
			zap.String("id", id), zap.Int("files", len(b.Files)))
	}
	return id, err
}

func (c *Client) doPut(ctx context.Context, contentType string, body io.Reader) (string, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/put", body)
	if err != nil {
		return "", errkind.Wrap(errkind.InvalidInput, "bad_request", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveExternalCall(service, "put", "error", time.Since(start))
		return "", errkind.Wrap(errkind.Transient, "put_failed", err)
	}
	defer resp.Body.Close()
	metrics.ObserveExternalCall(service, "put", fmt.Sprint(resp.StatusCode), time.Since(start))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", errkind.FromHTTPStatus(resp.StatusCode, "put_failed")
	}
	var out putResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errkind.Wrap(errkind.Permanent, "bad_response", err)
	}
	if out.ID == "" {
		return "", errkind.New(errkind.Permanent, "bad_response", "put returned no identifier")
	}
	return out.ID, nil
}

// Get fetches the bytes behind a content identifier.
func (c *Client) Get(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, c.reads, "objectstore.get", func(ctx context.Context) error {
		return c.breaker.Call(func() error {
			start := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet,
				c.baseURL+"/get/"+url.PathEscape(id), nil)
			if err != nil {
				return errkind.Wrap(errkind.InvalidInput, "bad_request", err)
			}
			resp, err := c.http.Do(req)
			if err != nil {
				metrics.ObserveExternalCall(service, "get", "error", time.Since(start))
				return errkind.Wrap(errkind.Transient, "get_failed", err)
			}
			defer resp.Body.Close()
			metrics.ObserveExternalCall(service, "get", fmt.Sprint(resp.StatusCode), time.Since(start))

			if resp.StatusCode == http.StatusNotFound {
				return errkind.Newf(errkind.InvalidInput, "not_found", "no object %s", id)
			}
			if resp.StatusCode != http.StatusOK {
				return errkind.FromHTTPStatus(resp.StatusCode, "get_failed")
			}
			data, err = io.ReadAll(resp.Body)
			if err != nil {
				return errkind.Wrap(errkind.Transient, "get_failed", err)
			}
			return nil
		})
	})
	return data, err
}

// Pin asks the store to retain the object. Pinning is idempotent; pinning
// an already-pinned object succeeds.
func (c *Client) Pin(ctx context.Context, id string) error {
	return retry.Do(ctx, c.writes, "objectstore.pin", func(ctx context.Context) error {
		return c.breaker.Call(func() error {
			start := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				c.baseURL+"/pin/"+url.PathEscape(id), nil)
			if err != nil {
				return errkind.Wrap(errkind.InvalidInput, "bad_request", err)
			}
			resp, err := c.http.Do(req)
			if err != nil {
				metrics.ObserveExternalCall(service, "pin", "error", time.Since(start))
				return errkind.Wrap(errkind.Transient, "pin_failed", err)
			}
			defer resp.Body.Close()
			metrics.ObserveExternalCall(service, "pin", fmt.Sprint(resp.StatusCode), time.Since(start))

			if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
				return errkind.FromHTTPStatus(resp.StatusCode, "pin_failed")
			}
			return nil
		})
	})
}

// Exists asks one endpoint whether it can reach the object.
func (c *Client) Exists(ctx context.Context, id string) (bool, error) {
	return c.existsAt(ctx, c.baseURL, id)
}

func (c *Client) existsAt(ctx context.Context, base, id string) (bool, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(base, "/")+"/exists/"+url.PathEscape(id), nil)
	if err != nil {
		return false, errkind.Wrap(errkind.InvalidInput, "bad_request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveExternalCall(service, "exists", "error", time.Since(start))
		return false, errkind.Wrap(errkind.Transient, "exists_failed", err)
	}
	defer resp.Body.Close()
	metrics.ObserveExternalCall(service, "exists", fmt.Sprint(resp.StatusCode), time.Since(start))

	switch resp.StatusCode {
	case http.StatusOK:
		var out struct {
			Exists bool `json:"exists"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return false, errkind.Wrap(errkind.Permanent, "bad_response", err)
		}
		return out.Exists, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, errkind.FromHTTPStatus(resp.StatusCode, "exists_failed")
	}
}

// Verify confirms the object is reachable from the store node or at least
// one configured gateway. A publish is complete only once this holds.
func (c *Client) Verify(ctx context.Context, id string) (bool, error) {
	endpoints := append([]string{c.baseURL}, c.gateways...)
	var lastErr error
	for _, base := range endpoints {
		ok, err := c.existsAt(ctx, base, id)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return true, nil
		}
	}
	if lastErr != nil {
		return false, lastErr
	}
	return false, nil
}

// Health probes the store node.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.Unavailable, "store_unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errkind.FromHTTPStatus(resp.StatusCode, "store_unhealthy")
	}
	return nil
}

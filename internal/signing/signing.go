// Package signing implements the governance transaction signer. Every write
// to the governance layer carries an HMAC-SHA256 signature over a canonical
// transaction envelope; the node verifies it before accepting. The key never
// leaves this package.
package signing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chainlearn/dalcore/internal/errkind"
	"github.com/chainlearn/dalcore/internal/registry"
	"github.com/chainlearn/dalcore/internal/retry"
)

// envelope is the wire form of one signed transaction.
type envelope struct {
	Nonce     string `json:"nonce"`
	Identity  string `json:"identity"`
	Target    string `json:"target"`
	Method    string `json:"method"`
	Args      []any  `json:"args"`
	Signature string `json:"signature"`
}

// Signer signs and submits governance transactions over HTTP. It implements
// registry.Signer.
type Signer struct {
	node     string
	identity string
	key      []byte
	http     *http.Client
	writes   retry.Policy
	logger   *zap.Logger
}

// NewSigner binds a signer to one governance node.
func NewSigner(node, identity string, key []byte, logger *zap.Logger) *Signer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Signer{
		node:     strings.TrimRight(node, "/"),
		identity: identity,
		key:      key,
		http:     &http.Client{Timeout: 30 * time.Second},
		writes:   retry.Writes(),
		logger:   logger,
	}
}

// LoadKey reads the signing key from a hex-encoded key file.
func LoadKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key file %s: %w", path, err)
	}
	if len(key) < 16 {
		return nil, fmt.Errorf("key in %s is too short", path)
	}
	return key, nil
}

// Identity returns the on-chain identity transactions are signed as.
func (s *Signer) Identity() string { return s.identity }

// Submit signs the transaction and posts it to the governance node,
// blocking until the node confirms. Transient failures are retried under
// the write policy; the envelope and its nonce are fixed across attempts,
// so the node deduplicates a re-posted transaction that already landed.
func (s *Signer) Submit(ctx context.Context, target, method string, args ...any) (*registry.Receipt, error) {
	env := envelope{
		Nonce:    uuid.NewString(),
		Identity: s.identity,
		Target:   target,
		Method:   method,
		Args:     args,
	}
	sig, err := s.sign(env)
	if err != nil {
		return nil, errkind.Wrap(errkind.Permanent, "sign_failed", err)
	}
	env.Signature = sig

	body, err := json.Marshal(env)
	if err != nil {
		return nil, errkind.Wrap(errkind.Permanent, "encode_failed", err)
	}

	var receipt *registry.Receipt
	op := target + "." + method
	err = retry.Do(ctx, s.writes, op, func(ctx context.Context) error {
		r, perr := s.post(ctx, target, method, body)
		if perr != nil {
			return perr
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("transaction submitted",
		zap.String("method", method),
		zap.String("tx", receipt.TxHash))
	return receipt, nil
}

// post performs one submission attempt.
func (s *Signer) post(ctx context.Context, target, method string, body []byte) (*registry.Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.node+"/api/v1/tx", bytes.NewReader(body))
	if err != nil {
		return nil, errkind.Wrap(errkind.Permanent, "bad_request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, errkind.Wrapf(errkind.Transient, "node_unreachable", err, "node %s unreachable", s.node)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusConflict:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, errkind.Newf(errkind.Conflict, "state_conflict", "%s.%s rejected: prior state changed", target, method)
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusUnauthorized:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, errkind.Newf(errkind.Permanent, "signature_rejected", "%s.%s rejected by node", target, method)
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		if kerr := errkind.FromHTTPStatus(resp.StatusCode, "node_error"); kerr != nil {
			return nil, kerr
		}
		return nil, errkind.Newf(errkind.Permanent, "node_error", "unexpected status %d", resp.StatusCode)
	}

	var receipt registry.Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, errkind.Wrap(errkind.Transient, "bad_receipt", err)
	}
	return &receipt, nil
}

// sign computes HMAC-SHA256 over nonce|json(target,method,args).
func (s *Signer) sign(env envelope) (string, error) {
	payload, err := json.Marshal(struct {
		Target string `json:"target"`
		Method string `json:"method"`
		Args   []any  `json:"args"`
	}{env.Target, env.Method, env.Args})
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(env.Nonce))
	mac.Write([]byte{'|'})
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a signature produced by sign. Used by tests and by nodes
// sharing the secret.
func Verify(key []byte, nonce, target, method string, args []any, signature string) error {
	s := &Signer{key: key}
	expected, err := s.sign(envelope{Nonce: nonce, Target: target, Method: method, Args: args})
	if err != nil {
		return fmt.Errorf("compute expected: %w", err)
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	want, _ := hex.DecodeString(expected)
	if !hmac.Equal(got, want) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

package transport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the payload when the
// target references a signing key.
const SignatureHeader = "X-Tempo-Signature"

// KeyResolver maps an HMAC key reference to key material. The core never
// stores key bytes on the schedule itself.
type KeyResolver func(ref string) ([]byte, bool)

// Invoker performs HTTP deliveries. Timeouts come from the caller's
// context (bounded by the owning job policy), not from the client.
type Invoker struct {
	client *http.Client
	keys   KeyResolver
}

func NewInvoker(client *http.Client, keys KeyResolver) *Invoker {
	if client == nil {
		client = http.DefaultClient
	}
	if keys == nil {
		keys = func(string) ([]byte, bool) { return nil, false }
	}
	return &Invoker{client: client, keys: keys}
}

func (i *Invoker) Invoke(ctx context.Context, url, method string, headers map[string]string, payload []byte, hmacKeyRef string) (Result, error) {
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if hmacKeyRef != "" {
		key, ok := i.keys(hmacKeyRef)
		if !ok {
			return Result{}, fmt.Errorf("unknown hmac key ref %q", hmacKeyRef)
		}
		req.Header.Set(SignatureHeader, sign(key, payload))
	}

	begin := time.Now()
	resp, err := i.client.Do(req)
	elapsed := time.Since(begin).Milliseconds()
	if err != nil {
		return Result{ElapsedMs: elapsed}, fmt.Errorf("http delivery failed: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused; the body itself is opaque
	// to the core.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 400 {
		return Result{ElapsedMs: elapsed}, fmt.Errorf("http %d from %s", resp.StatusCode, url)
	}
	return Result{ElapsedMs: elapsed}, nil
}

func sign(key, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"settlerails/internal/authz"
	"settlerails/internal/hmacauth"
)

// apiClient talks to the settlement service, signing every request body
// with the shared HMAC secret.
type apiClient struct {
	baseURL string
	secret  string
	http    *http.Client
}

func newAPIClient(baseURL, secret string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
	}
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.Status, strings.TrimSpace(e.Body))
}

func (c *apiClient) do(ctx context.Context, method, path string, payload any, headers map[string]string) ([]byte, int, error) {
	var body []byte
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request: %w", err)
		}
		body = raw
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.secret != "" {
		hmacauth.SignRequest(req, c.secret, body, time.Now())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return out, resp.StatusCode, &apiError{Status: resp.StatusCode, Body: string(out)}
	}
	return out, resp.StatusCode, nil
}

type preparedTransfer struct {
	Authorization authz.Envelope  `json:"authorization"`
	TypedData     json.RawMessage `json:"typedData"`
	Digest        common.Hash     `json:"digest"`
}

// sign fills in the payer signature over the prepared digest.
func (p *preparedTransfer) sign(key *ecdsa.PrivateKey) error {
	if p.Authorization.Direct == nil {
		return fmt.Errorf("prepared authorization has no transfer body")
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	if p.Authorization.Direct.From != from {
		return fmt.Errorf("key controls %s, transfer is from %s", from.Hex(), p.Authorization.Direct.From.Hex())
	}
	sig, err := crypto.Sign(p.Digest[:], key)
	if err != nil {
		return fmt.Errorf("sign digest: %w", err)
	}
	sig[64] += 27
	p.Authorization.Direct.Signature = sig
	return nil
}

func printJSON(w io.Writer, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = w.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

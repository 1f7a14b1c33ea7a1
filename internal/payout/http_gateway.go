package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"settlerails/internal/hmacauth"
)

// HTTPGateway speaks a JSON REST payout API. Requests carry the idempotency
// key in a header and are signed with the shared HMAC secret.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	secret  string
	client  *http.Client
}

type HTTPGatewayConfig struct {
	BaseURL string
	APIKey  string
	Secret  string
	Timeout time.Duration
}

func NewHTTPGateway(cfg HTTPGatewayConfig) (*HTTPGateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("payout base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("payout base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		secret:  cfg.Secret,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type providerResponse struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Message   string `json:"message"`
}

func (g *HTTPGateway) InitiateTransfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return TransferResult{}, fmt.Errorf("marshal transfer: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return TransferResult{}, err
	}
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	res, code, err := g.do(httpReq, body)
	if err == nil && code == http.StatusConflict {
		// the key was already used; its transfer is the answer
		return g.GetTransferStatus(ctx, req.IdempotencyKey)
	}
	return res, err
}

func (g *HTTPGateway) GetTransferStatus(ctx context.Context, idempotencyKey string) (TransferResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/transfers/"+url.PathEscape(idempotencyKey), nil)
	if err != nil {
		return TransferResult{}, err
	}
	res, code, err := g.do(httpReq, nil)
	if err == nil && code == http.StatusNotFound {
		return TransferResult{}, fmt.Errorf("%w: %s", ErrNotFound, idempotencyKey)
	}
	return res, err
}

func (g *HTTPGateway) do(req *http.Request, body []byte) (TransferResult, int, error) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	hmacauth.SignRequest(req, g.secret, body, time.Now())

	resp, err := g.client.Do(req)
	if err != nil {
		return TransferResult{}, 0, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TransferResult{}, resp.StatusCode, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return TransferResult{}, resp.StatusCode, fmt.Errorf("%w: provider returned %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		var pr providerResponse
		_ = json.Unmarshal(raw, &pr)
		msg := pr.Message
		if msg == "" {
			msg = fmt.Sprintf("provider returned %d", resp.StatusCode)
		}
		return TransferResult{Status: StatusFailed, ProviderReference: pr.Reference, Message: msg}, resp.StatusCode, nil
	}

	var pr providerResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return TransferResult{}, resp.StatusCode, fmt.Errorf("%w: decode response: %v", ErrTransient, err)
	}
	return TransferResult{
		Status:            NormalizeStatus(pr.Status),
		ProviderReference: pr.Reference,
		Message:           pr.Message,
	}, resp.StatusCode, nil
}

package payout

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"settlerails/internal/hmacauth"
)

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]Status{
		"success":    StatusSuccess,
		" Completed": StatusSuccess,
		"PROCESSING": StatusPending,
		"queued":     StatusPending,
		"FAILED":     StatusFailed,
		"reversed":   StatusFailed,
		"":           StatusFailed,
	}
	for raw, want := range cases {
		require.Equal(t, want, NormalizeStatus(raw), raw)
	}
}

func TestFakeGateway_SameKeyTransfersOnce(t *testing.T) {
	g := NewFakeGateway(StatusSuccess)
	req := TransferRequest{
		IdempotencyKey:    "key-1",
		Amount:            decimal.RequireFromString("1575.00"),
		BeneficiaryID:     "ben-1",
		BeneficiaryHandle: "alice@bank",
	}

	first, err := g.InitiateTransfer(context.Background(), req)
	require.NoError(t, err)
	second, err := g.InitiateTransfer(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, StatusSuccess, first.Status)
	require.Equal(t, first, second)
	require.Equal(t, 1, g.CompletedCount)
}

func TestFakeGateway_PendingResolvesAfterPolls(t *testing.T) {
	g := NewFakeGateway(StatusSuccess)
	g.PendingPolls = 2

	res, err := g.InitiateTransfer(context.Background(), TransferRequest{IdempotencyKey: "k"})
	require.NoError(t, err)
	require.Equal(t, StatusPending, res.Status)

	res, err = g.GetTransferStatus(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, StatusPending, res.Status)

	res, err = g.GetTransferStatus(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
}

func TestHTTPGateway_InitiateTransfer(t *testing.T) {
	var gotKey string
	var gotBody TransferRequest
	verifier := &hmacauth.Verifier{Secret: "shh", MaxSkew: time.Minute}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := verifier.Verify(r); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/v1/transfers" {
			http.NotFound(w, r)
			return
		}
		gotKey = r.Header.Get("Idempotency-Key")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "processing", "reference": "ref-9"})
	}))
	defer srv.Close()

	g, err := NewHTTPGateway(HTTPGatewayConfig{BaseURL: srv.URL + "/", Secret: "shh"})
	require.NoError(t, err)

	res, err := g.InitiateTransfer(context.Background(), TransferRequest{
		IdempotencyKey: "abc",
		Amount:         decimal.RequireFromString("10.50"),
		BeneficiaryID:  "ben",
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, res.Status)
	require.Equal(t, "ref-9", res.ProviderReference)
	require.Equal(t, "abc", gotKey)
	require.True(t, gotBody.Amount.Equal(decimal.RequireFromString("10.5")))
}

func TestHTTPGateway_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g, err := NewHTTPGateway(HTTPGatewayConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = g.GetTransferStatus(context.Background(), "abc")
	require.True(t, errors.Is(err, ErrTransient))
}

func TestHTTPGateway_ClientErrorIsFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"invalid account"}`))
	}))
	defer srv.Close()

	g, err := NewHTTPGateway(HTTPGatewayConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	res, err := g.InitiateTransfer(context.Background(), TransferRequest{IdempotencyKey: "x"})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, "invalid account", res.Message)
}

func TestFakeGateway_LostAckStillTransfers(t *testing.T) {
	g := NewFakeGateway(StatusSuccess)
	g.LoseAcks = true
	req := TransferRequest{IdempotencyKey: "k"}

	_, err := g.InitiateTransfer(context.Background(), req)
	require.True(t, errors.Is(err, ErrTransient))
	_, err = g.InitiateTransfer(context.Background(), req)
	require.True(t, errors.Is(err, ErrTransient))

	res, err := g.GetTransferStatus(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, 1, g.CompletedCount)

	_, err = g.GetTransferStatus(context.Background(), "unknown")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestHTTPGateway_ConflictReadsExistingTransfer(t *testing.T) {
	var statusReads int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/transfers":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"message":"idempotency key already used"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/transfers/dup":
			statusReads++
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "completed", "reference": "ref-1"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	g, err := NewHTTPGateway(HTTPGatewayConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	res, err := g.InitiateTransfer(context.Background(), TransferRequest{IdempotencyKey: "dup"})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, "ref-1", res.ProviderReference)
	require.Equal(t, 1, statusReads)
}

func TestHTTPGateway_UnknownKeyIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	g, err := NewHTTPGateway(HTTPGatewayConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = g.GetTransferStatus(context.Background(), "missing")
	require.True(t, errors.Is(err, ErrNotFound))
	require.False(t, errors.Is(err, ErrTransient))
}

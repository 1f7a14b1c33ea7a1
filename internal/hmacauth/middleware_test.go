package hmacauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"payer":"0xabc"}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := Sign("secret", ts, []byte(body))

	v := &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set(DefaultSignatureHeader, sig)
	req.Header.Set(DefaultTimestampHeader, ts)
	rec := httptest.NewRecorder()

	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	})

	v.Middleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen != body {
		t.Fatalf("handler saw body %q, want %q", seen, body)
	}
}

func TestMiddleware_RejectsInvalidSignature(t *testing.T) {
	body := `{"foo":"bar"}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	v := &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set(DefaultSignatureHeader, "deadbeef")
	req.Header.Set(DefaultTimestampHeader, ts)
	rec := httptest.NewRecorder()

	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestVerify_StaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{Secret: "secret", MaxSkew: time.Minute, Now: func() time.Time { return now }}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader("{}"))
	SignRequest(req, "secret", []byte("{}"), now.Add(-5*time.Minute))

	if err := v.Verify(req); err != ErrStaleTimestamp {
		t.Fatalf("expected stale timestamp, got %v", err)
	}
}

func TestVerify_CustomHeaders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	v := &Verifier{
		Secret:          "payout-secret",
		MaxSkew:         time.Minute,
		SignatureHeader: "X-Payout-Signature",
		TimestampHeader: "X-Payout-Timestamp",
		Now:             func() time.Time { return now },
	}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader("{}"))
	req.Header.Set("X-Payout-Signature", Sign("payout-secret", ts, []byte("{}")))
	req.Header.Set("X-Payout-Timestamp", ts)

	if err := v.Verify(req); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerify_DisabledWithoutSecret(t *testing.T) {
	v := &Verifier{}
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if err := v.Verify(req); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"

	"btcfi/crypto"
)

type capturedRequest struct {
	method  string
	path    string
	query   string
	account string
	auth    string
	body    map[string]interface{}
}

func newGateway(t *testing.T, status int, reply string) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var seen []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := capturedRequest{
			method:  r.Method,
			path:    r.URL.Path,
			query:   r.URL.RawQuery,
			account: r.Header.Get("X-Account"),
			auth:    r.Header.Get("Authorization"),
		}
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &req.body); err != nil {
				t.Errorf("decode body: %v", err)
			}
		}
		seen = append(seen, req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestCommandsTargetGatewayRoutes(t *testing.T) {
	cases := []struct {
		name   string
		args   []string
		method string
		path   string
		query  string
		body   map[string]interface{}
	}{
		{"status", []string{"status"}, http.MethodGet, "/v1/status", "", nil},
		{"price", []string{"price", "btc"}, http.MethodGet, "/v1/oracle/prices/BTC", "", nil},
		{"stake", []string{"stake", "0.5", "2"}, http.MethodPost, "/v1/vault/stake", "",
			map[string]interface{}{"amount": "0.5", "tier": float64(2)}},
		{"unstake", []string{"unstake", "7"}, http.MethodPost, "/v1/vault/positions/7/unstake", "", nil},
		{"supply", []string{"supply", "usdc", "1000"}, http.MethodPost, "/v1/lending/supply", "",
			map[string]interface{}{"asset": "USDC", "amount": "1000"}},
		{"borrow", []string{"borrow", "usdt", "250", "0.1"}, http.MethodPost, "/v1/lending/borrow", "",
			map[string]interface{}{"asset": "USDT", "amount": "250", "collateral": "0.1"}},
		{"repay", []string{"repay", "3", "10.5"}, http.MethodPost, "/v1/lending/loans/3/repay", "",
			map[string]interface{}{"amount": "10.5"}},
		{"liquidate", []string{"liquidate", "credit", "4", "100"}, http.MethodPost, "/v1/credit/cards/4/liquidate", "",
			map[string]interface{}{"amount": "100"}},
		{"card_buy", []string{"card", "buy", "9", "coffee", "4.25"}, http.MethodPost, "/v1/credit/cards/9/purchase", "",
			map[string]interface{}{"merchant": "coffee", "amount": "4.25"}},
		{"events", []string{"events", "10", "5"}, http.MethodGet, "/v1/events", "after=10&limit=5", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, seen := newGateway(t, http.StatusOK, `{"ok":true}`)
			stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
			args := append([]string{"-url", srv.URL, "-as", "bfi1alice"}, tc.args...)
			if code := run(args, stdout, stderr); code != 0 {
				t.Fatalf("exit %d: %s", code, stderr.String())
			}
			if len(*seen) != 1 {
				t.Fatalf("expected one request, got %d", len(*seen))
			}
			got := (*seen)[0]
			if got.method != tc.method || got.path != tc.path || got.query != tc.query {
				t.Fatalf("request = %s %s?%s", got.method, got.path, got.query)
			}
			if got.account != "bfi1alice" {
				t.Fatalf("account header = %q", got.account)
			}
			if tc.body != nil {
				for k, want := range tc.body {
					if got.body[k] != want {
						t.Fatalf("body[%s] = %v, want %v", k, got.body[k], want)
					}
				}
			}
			if !strings.Contains(stdout.String(), `"ok": true`) {
				t.Fatalf("stdout = %q", stdout.String())
			}
		})
	}
}

func TestTokenTakesPrecedenceOverAccount(t *testing.T) {
	srv, seen := newGateway(t, http.StatusOK, `{}`)
	code := run([]string{"-url", srv.URL, "-as", "bfi1alice", "-token", "jwt", "status"}, io.Discard, io.Discard)
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	got := (*seen)[0]
	if got.auth != "Bearer jwt" || got.account != "" {
		t.Fatalf("headers auth=%q account=%q", got.auth, got.account)
	}
}

func TestGatewayErrorIsReported(t *testing.T) {
	srv, _ := newGateway(t, http.StatusConflict, `{"error":"position healthy","kind":"state","requestId":"req-1"}`)
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	code := run([]string{"-url", srv.URL, "liquidate", "lending", "1", "5"}, stdout, stderr)
	if code != 1 {
		t.Fatalf("exit %d", code)
	}
	want := "Error: 409 position healthy (state) [request req-1]\n"
	if stderr.String() != want {
		t.Fatalf("stderr = %q, want %q", stderr.String(), want)
	}
	if stdout.Len() != 0 {
		t.Fatalf("unexpected stdout %q", stdout.String())
	}
}

func TestUsageErrors(t *testing.T) {
	cases := [][]string{
		{},
		{"frobnicate"},
		{"stake"},
		{"repay", "1"},
		{"card", "pay"},
		{"liquidate", "lending", "1"},
	}
	for _, args := range cases {
		stderr := &bytes.Buffer{}
		if code := run(args, io.Discard, stderr); code != 2 {
			t.Fatalf("%v: exit %d", args, code)
		}
		if !strings.Contains(stderr.String(), "Usage: btcfi-cli") {
			t.Fatalf("%v: stderr %q", args, stderr.String())
		}
	}
	if code := run([]string{"loan", "abc"}, io.Discard, io.Discard); code != 1 {
		t.Fatalf("bad id exit %d", code)
	}
}

func TestKeygenAndAddress(t *testing.T) {
	crypto.ScryptN, crypto.ScryptP = keystore.LightScryptN, keystore.LightScryptP
	defer func() { crypto.ScryptN, crypto.ScryptP = keystore.StandardScryptN, keystore.StandardScryptP }()
	t.Setenv("BTCFI_KEYSTORE_PASSPHRASE", "correct horse")
	path := filepath.Join(t.TempDir(), "alice.json")

	generated := &bytes.Buffer{}
	if code := run([]string{"keygen", path}, generated, io.Discard); code != 0 {
		t.Fatalf("keygen exit %d", code)
	}
	loaded := &bytes.Buffer{}
	if code := run([]string{"address", path}, loaded, io.Discard); code != 0 {
		t.Fatalf("address exit %d", code)
	}
	if generated.String() != loaded.String() || generated.Len() == 0 {
		t.Fatalf("keygen %q != address %q", generated.String(), loaded.String())
	}
	if code := run([]string{"keygen", path}, io.Discard, io.Discard); code != 1 {
		t.Fatalf("keygen must refuse to overwrite, exit %d", code)
	}

	srv, seen := newGateway(t, http.StatusOK, `{}`)
	if code := run([]string{"-url", srv.URL, "-keystore", path, "status"}, io.Discard, io.Discard); code != 0 {
		t.Fatalf("status exit %d", code)
	}
	if got := (*seen)[0].account; got != strings.TrimSpace(generated.String()) {
		t.Fatalf("keystore account = %q", got)
	}
}

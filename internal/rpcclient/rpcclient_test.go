package rpcclient

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	return New(Config{
		Host:            host,
		Port:            port,
		User:            "pool",
		Pass:            "secret",
		TemplateTimeout: 2 * time.Second,
		SubmitTimeout:   2 * time.Second,
	}, zap.NewNop())
}

func TestGetBlockTemplateDecodesResult(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Method != "getblocktemplate" {
			t.Fatalf("expected getblocktemplate, got %s", req.Method)
		}
		if _, _, ok := r.BasicAuth(); !ok {
			t.Fatal("expected basic auth header")
		}

		result := GetBlockTemplateResult{
			Version:           536870912,
			PreviousBlockHash: "00" + "00",
			Height:            800000,
			Bits:              "17034219",
			CurTime:           1700000000,
		}
		raw, _ := json.Marshal(result)
		json.NewEncoder(w).Encode(response{ID: req.ID, Result: raw})
	})

	out, err := client.GetBlockTemplate(context.Background())
	if err != nil {
		t.Fatalf("GetBlockTemplate: %v", err)
	}
	if out.Height != 800000 {
		t.Fatalf("expected height 800000, got %d", out.Height)
	}
}

func TestSubmitBlockAcceptedVsRejected(t *testing.T) {
	var resultValue interface{} = nil

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := json.Marshal(resultValue)
		json.NewEncoder(w).Encode(response{ID: "stratumd", Result: raw})
	})

	out, err := client.SubmitBlock(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}
	if out != "" {
		t.Fatalf("expected empty result for accepted block, got %q", out)
	}

	resultValue = "bad-cb-missing"
	out, err = client.SubmitBlock(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}
	if out != "bad-cb-missing" {
		t.Fatalf("expected rejection reason, got %q", out)
	}
}

func TestSubmitBlockPropagatesRPCError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(response{
			ID:    "stratumd",
			Error: &rpcError{Code: -1, Message: "boom"},
		})
	})

	_, err := client.SubmitBlock(context.Background(), "deadbeef")
	if err == nil {
		t.Fatal("expected error from rpc error response")
	}
}

func TestAuthPrefersCookieFileOverStaticCreds(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "cookie")
	if err != nil {
		t.Fatalf("create temp cookie: %v", err)
	}
	if _, err := f.WriteString("cookieuser:cookiepass\n"); err != nil {
		t.Fatalf("write cookie: %v", err)
	}
	f.Close()

	c := &Client{cfg: Config{User: "static", Pass: "static", CookiePath: f.Name()}}
	user, pass, err := c.auth()
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	if user != "cookieuser" || pass != "cookiepass" {
		t.Fatalf("expected cookie credentials, got %s:%s", user, pass)
	}
}

func TestAuthFallsBackToStaticCreds(t *testing.T) {
	c := &Client{cfg: Config{User: "pool", Pass: "secret"}}
	user, pass, err := c.auth()
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	if user != "pool" || pass != "secret" {
		t.Fatalf("expected static credentials, got %s:%s", user, pass)
	}
}

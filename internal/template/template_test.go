package template

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/darwinx/stratumd/internal/rpcclient"
)

// fakeNodeResponse mirrors the shape rpcclient.Client expects back from a
// getblocktemplate call.
type fakeNodeResponse struct {
	ID     string                         `json:"id"`
	Result rpcclient.GetBlockTemplateResult `json:"result"`
}

func newTestManager(t *testing.T, prevHash *string) *Manager {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(fakeNodeResponse{
			ID: "stratumd",
			Result: rpcclient.GetBlockTemplateResult{
				Version:           1,
				PreviousBlockHash: *prevHash,
				Bits:              "17034219",
				CurTime:           1700000000,
				Height:            800000,
			},
		})
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	client := rpcclient.New(rpcclient.Config{
		Host:            host,
		Port:            port,
		TemplateTimeout: 2 * time.Second,
		SubmitTimeout:   2 * time.Second,
	}, zap.NewNop())

	return New(client, time.Hour, zap.NewNop())
}

func TestBootstrapPopulatesCurrent(t *testing.T) {
	prev := "aa"
	m := newTestManager(t, &prev)

	if m.Current() != nil {
		t.Fatal("expected no snapshot before Bootstrap")
	}
	if err := m.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	snap := m.Current()
	if snap == nil {
		t.Fatal("expected a snapshot after Bootstrap")
	}
	if snap.PreviousBlockHash != "aa" {
		t.Fatalf("expected prev hash aa, got %s", snap.PreviousBlockHash)
	}
}

func TestSubscribeOnlyFiresOnRoundChange(t *testing.T) {
	prev := "aa"
	m := newTestManager(t, &prev)
	ch := m.Subscribe()

	if err := m.refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a notification on first refresh")
	}

	// Same prevhash: no further notification.
	if err := m.refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	select {
	case <-ch:
		t.Fatal("did not expect a notification when prevhash is unchanged")
	case <-time.After(100 * time.Millisecond):
	}

	// New prevhash: notification fires again.
	prev = "bb"
	if err := m.refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	select {
	case snap := <-ch:
		if snap.PreviousBlockHash != "bb" {
			t.Fatalf("expected new snapshot with prevhash bb, got %s", snap.PreviousBlockHash)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a notification when prevhash changes")
	}
}

func TestCopySnapshotDeepCopiesTransactions(t *testing.T) {
	original := &Snapshot{
		Transactions: []rpcclient.TemplateTx{{TxID: "aa"}},
	}
	clone := CopySnapshot(original)
	clone.Transactions[0].TxID = "bb"

	if original.Transactions[0].TxID != "aa" {
		t.Fatal("expected CopySnapshot to deep-copy the transaction slice")
	}
}

func TestCopySnapshotNil(t *testing.T) {
	if CopySnapshot(nil) != nil {
		t.Fatal("expected CopySnapshot(nil) to return nil")
	}
}

func TestRefreshesCounterIncrements(t *testing.T) {
	prev := "aa"
	m := newTestManager(t, &prev)
	if m.Refreshes() != 0 {
		t.Fatalf("expected 0 refreshes initially, got %d", m.Refreshes())
	}
	if err := m.refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if m.Refreshes() != 1 {
		t.Fatalf("expected 1 refresh recorded, got %d", m.Refreshes())
	}
}

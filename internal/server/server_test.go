package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/darwinx/stratumd/internal/config"
	"github.com/darwinx/stratumd/internal/mining"
	"github.com/darwinx/stratumd/internal/rpcclient"
	"github.com/darwinx/stratumd/internal/template"
	"github.com/darwinx/stratumd/internal/worker"
)

// testConnection builds a Connection over a net.Pipe. jobManager and
// shareValidator are left nil since these cases never reach code paths
// that touch them; workerManager is a bare zero-value Manager so that
// Close()'s best-effort Disconnect call (a no-op for a name it never
// registered) doesn't dereference a nil receiver.
func testConnection(t *testing.T, state ConnectionState, workerName string) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	c := NewConnection(server, config.ServerConfig{WriteTimeout: time.Second}, zap.NewNop(), &worker.Manager{}, nil, nil)
	c.state = int32(state)
	c.workerName = workerName
	return c, client
}

func TestServerConnectionBookkeeping(t *testing.T) {
	s := &Server{logger: zap.NewNop()}

	connA, _ := testConnection(t, StateAuthorized, "alice.rig1")
	connB, _ := testConnection(t, StateAuthorized, "bob.rig1")

	s.connections.Store(connA.ID(), connA)
	s.connections.Store(connB.ID(), connB)
	s.connCount = 2

	if got := s.GetConnectionCount(); got != 2 {
		t.Fatalf("expected connection count 2, got %d", got)
	}

	got, ok := s.GetConnection(connA.ID())
	if !ok || got != connA {
		t.Fatalf("expected to find connA by ID, got %+v ok=%v", got, ok)
	}

	if _, ok := s.GetConnection("nonexistent"); ok {
		t.Fatal("expected lookup of unknown connection ID to fail")
	}
}

func TestServerBroadcastDifficultyTargetsMatchingWorker(t *testing.T) {
	s := &Server{logger: zap.NewNop()}

	connA, clientA := testConnection(t, StateAuthorized, "alice.rig1")
	connB, clientB := testConnection(t, StateAuthorized, "bob.rig1")
	s.connections.Store(connA.ID(), connA)
	s.connections.Store(connB.ID(), connB)

	readLine := func(conn net.Conn) (string, error) {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		line, err := bufio.NewReader(conn).ReadString('\n')
		return line, err
	}

	done := make(chan string, 1)
	go func() {
		line, err := readLine(clientA)
		if err != nil {
			done <- ""
			return
		}
		done <- line
	}()

	if err := s.BroadcastDifficulty("alice.rig1", 4096); err != nil {
		t.Fatalf("BroadcastDifficulty: %v", err)
	}

	line := <-done
	if line == "" {
		t.Fatal("expected alice's connection to receive a set_difficulty notification")
	}
	var notif struct {
		Method string        `json:"method"`
		Params []interface{} `json:"params"`
	}
	if err := json.Unmarshal([]byte(line), &notif); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if notif.Method != "mining.set_difficulty" {
		t.Fatalf("expected mining.set_difficulty, got %s", notif.Method)
	}
	if len(notif.Params) != 1 || notif.Params[0].(float64) != 4096 {
		t.Fatalf("expected [4096], got %v", notif.Params)
	}

	// bob's connection should not have received anything.
	clientB.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := clientB.Read(buf); err == nil {
		t.Fatal("expected bob's connection to receive nothing")
	}
}

func TestServerDisconnectWorkerClosesOnlyMatchingConnection(t *testing.T) {
	s := &Server{logger: zap.NewNop()}

	connA, clientA := testConnection(t, StateAuthorized, "alice.rig1")
	connB, clientB := testConnection(t, StateAuthorized, "bob.rig1")
	s.connections.Store(connA.ID(), connA)
	s.connections.Store(connB.ID(), connB)

	s.DisconnectWorker("alice.rig1")

	clientA.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := clientA.Read(buf); err == nil {
		t.Fatal("expected alice's underlying connection to be closed")
	}

	if connA.GetState() != StateDisconnected {
		t.Fatalf("expected alice's connection state to be Disconnected, got %v", connA.GetState())
	}
	if connB.GetState() == StateDisconnected {
		t.Fatal("expected bob's connection to remain untouched")
	}

	clientB.Close()
}

func TestBroadcastJobsSkipsUnauthorizedConnections(t *testing.T) {
	jm := mining.NewJobManager(config.MiningConfig{
		Extranonce1Size: 4,
		Extranonce2Size: 4,
		JobTimeout:      time.Minute,
		PoolTag:         "/darwinx/",
	}, zap.NewNop())

	s := &Server{logger: zap.NewNop(), jobManager: jm}

	unauth, clientUnauth := testConnection(t, StateSubscribed, "")
	auth, clientAuth := testConnection(t, StateAuthorized, "alice.rig1")
	s.connections.Store(unauth.ID(), unauth)
	s.connections.Store(auth.ID(), auth)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.broadcastJobs(ctx)
	time.Sleep(20 * time.Millisecond) // let broadcastJobs register its subscriber channel first

	snap := &template.Snapshot{
		Version:           536870912,
		PreviousBlockHash: "aa",
		Bits:              "17034219",
		CurTime:           1700000000,
		Height:            100,
		CoinbaseValue:     625000000,
		DefaultWitnessCommitment: "6a24aa21a9ed0000000000000000000000000000000000000000000000000000000000000000",
		Transactions: []rpcclient.TemplateTx{
			{TxID: "2222222222222222222222222222222222222222222222222222222222222222"},
		},
	}
	payoutScript := []byte{0x00, 0x14, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	if _, err := jm.CreateJob(snap, payoutScript, 0); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	clientAuth.SetReadDeadline(time.Now().Add(time.Second))
	line, err := bufio.NewReader(clientAuth).ReadString('\n')
	if err != nil {
		t.Fatalf("expected authorized connection to receive the job: %v", err)
	}
	var notif struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal([]byte(line), &notif); err != nil || notif.Method != "mining.notify" {
		t.Fatalf("unexpected notification: %s (err=%v)", line, err)
	}

	clientUnauth.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := clientUnauth.Read(buf); err == nil {
		t.Fatal("expected unauthorized connection to receive nothing")
	}
}

// Package rpcclient is a minimal JSON-RPC 1.0 client for a Bitcoin-family
// full node, used to fetch block templates and submit solved blocks.
package rpcclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config describes how to reach and authenticate against the node's RPC
// endpoint.
type Config struct {
	Host           string
	Port           int
	User           string
	Pass           string
	CookiePath     string
	Wallet         string
	TemplateTimeout time.Duration
	SubmitTimeout   time.Duration
}

// Client is a JSON-RPC 1.0 HTTP client scoped to the handful of node
// methods the pool needs: getblocktemplate, submitblock, getaddressinfo,
// getblockheader and sendmany.
type Client struct {
	cfg    Config
	url    string
	client *http.Client
	logger *zap.Logger
}

// New constructs a Client from cfg.
func New(cfg Config, logger *zap.Logger) *Client {
	url := fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	if cfg.Wallet != "" {
		url = url + "/wallet/" + cfg.Wallet
	}
	return &Client{
		cfg:    cfg,
		url:    url,
		client: &http.Client{},
		logger: logger.Named("rpc"),
	}
}

type request struct {
	ID     string        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     string          `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call issues a JSON-RPC 1.0 request (no "jsonrpc" version field) and
// decodes the result into out.
func (c *Client) call(ctx context.Context, timeout time.Duration, method string, params []interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(request{ID: "stratumd", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("rpcclient: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpcclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	user, pass, err := c.auth()
	if err != nil {
		return fmt.Errorf("rpcclient: auth: %w", err)
	}
	req.SetBasicAuth(user, pass)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("rpcclient: %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusInternalServerError {
		return fmt.Errorf("rpcclient: %s: unexpected status %d", method, resp.StatusCode)
	}

	var rr response
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("rpcclient: %s: decode response: %w", method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("rpcclient: %s: %w", method, rr.Error)
	}
	if out != nil {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("rpcclient: %s: decode result: %w", method, err)
		}
	}
	return nil
}

// auth resolves Basic auth credentials, preferring a cookie file when one
// is configured (matching bitcoind's -rpccookiefile convention) over
// static user/pass.
func (c *Client) auth() (string, string, error) {
	if c.cfg.CookiePath == "" {
		return c.cfg.User, c.cfg.Pass, nil
	}
	f, err := os.Open(c.cfg.CookiePath)
	if err != nil {
		return "", "", fmt.Errorf("open cookie file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return "", "", fmt.Errorf("empty cookie file")
	}
	line := scanner.Text()
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed cookie file")
	}
	return parts[0], parts[1], nil
}

// GetBlockTemplateResult mirrors the subset of getblocktemplate's response
// the pool actually consumes.
type GetBlockTemplateResult struct {
	Version                  int64            `json:"version"`
	PreviousBlockHash        string           `json:"previousblockhash"`
	Transactions             []TemplateTx     `json:"transactions"`
	CoinbaseValue            int64            `json:"coinbasevalue"`
	Bits                     string           `json:"bits"`
	CurTime                  int64            `json:"curtime"`
	Height                   int64            `json:"height"`
	Target                   string           `json:"target"`
	DefaultWitnessCommitment string           `json:"default_witness_commitment"`
	MinTime                  int64            `json:"mintime"`
}

// TemplateTx is one candidate transaction in a block template.
type TemplateTx struct {
	Data    string `json:"data"`
	TxID    string `json:"txid"`
	Hash    string `json:"hash"`
	Fee     int64  `json:"fee"`
	Weight  int64  `json:"weight"`
}

// GetBlockTemplate fetches a fresh block template, requesting segwit
// rules and the coinbasetxn/workid capabilities.
func (c *Client) GetBlockTemplate(ctx context.Context) (*GetBlockTemplateResult, error) {
	params := []interface{}{map[string]interface{}{
		"rules":        []string{"segwit"},
		"capabilities": []string{"coinbasetxn", "workid"},
	}}
	var out GetBlockTemplateResult
	if err := c.call(ctx, c.cfg.TemplateTimeout, "getblocktemplate", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitBlock submits a fully assembled block (hex-encoded) to the node.
// A non-empty result string indicates the node rejected the block; an
// empty result means it was accepted. Per policy, a submit failure is
// never retried by the caller.
func (c *Client) SubmitBlock(ctx context.Context, blockHex string) (string, error) {
	var out *string
	if err := c.call(ctx, c.cfg.SubmitTimeout, "submitblock", []interface{}{blockHex}, &out); err != nil {
		return "", err
	}
	if out == nil {
		return "", nil
	}
	return *out, nil
}

// AddressInfo is the subset of getaddressinfo the pool needs to validate
// a worker-supplied payout address.
type AddressInfo struct {
	IsValid bool `json:"isvalid"`
}

// GetAddressInfo validates an address string against the node's wallet.
func (c *Client) GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error) {
	var out AddressInfo
	if err := c.call(ctx, c.cfg.TemplateTimeout, "getaddressinfo", []interface{}{address}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BlockHeaderInfo is the subset of getblockheader used to confirm a
// submitted block's maturity depth.
type BlockHeaderInfo struct {
	Confirmations int64 `json:"confirmations"`
	Height        int64 `json:"height"`
}

// GetBlockHeader fetches header metadata for a block hash.
func (c *Client) GetBlockHeader(ctx context.Context, blockHash string) (*BlockHeaderInfo, error) {
	var out BlockHeaderInfo
	if err := c.call(ctx, c.cfg.TemplateTimeout, "getblockheader", []interface{}{blockHash, true}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMany executes a batch payout. Exposed for the out-of-scope payout
// daemon to call; the stratum server itself never invokes it.
func (c *Client) SendMany(ctx context.Context, fromAccount string, amounts map[string]float64) (string, error) {
	var out string
	if err := c.call(ctx, c.cfg.SubmitTimeout, "sendmany", []interface{}{fromAccount, amounts}, &out); err != nil {
		return "", err
	}
	return out, nil
}

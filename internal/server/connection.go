// Package server implements the TCP server for Stratum protocol connections.
package server

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/darwinx/stratumd/internal/config"
	"github.com/darwinx/stratumd/internal/mining"
	"github.com/darwinx/stratumd/internal/protocol"
	"github.com/darwinx/stratumd/internal/worker"

	"go.uber.org/zap"
)

// ConnectionState represents the current state of a connection.
type ConnectionState int32

const (
	StateConnected ConnectionState = iota
	StateSubscribed
	StateAuthorized
	StateMining
	StateDisconnected
)

// Connection represents a single Stratum client connection.
type Connection struct {
	id             string
	conn           net.Conn
	cfg            config.ServerConfig
	logger         *zap.Logger
	workerManager  *worker.Manager
	jobManager     *mining.JobManager
	shareValidator *mining.ShareValidator

	state      int32
	workerName string
	extranonce string
	difficulty float64

	reader    *bufio.Reader
	writeMu   sync.Mutex
	closeChan chan struct{}
	closeOnce sync.Once
}

// NewConnection creates a new connection handler.
func NewConnection(conn net.Conn, cfg config.ServerConfig, logger *zap.Logger, wm *worker.Manager, jm *mining.JobManager, sv *mining.ShareValidator) *Connection {
	return &Connection{
		id:             uuid.New().String()[:8],
		conn:           conn,
		cfg:            cfg,
		logger:         logger.Named("connection"),
		workerManager:  wm,
		jobManager:     jm,
		shareValidator: sv,
		reader:         bufio.NewReader(conn),
		closeChan:      make(chan struct{}),
		difficulty:     1.0, // Will be set properly after authorization
	}
}

// ID returns the connection ID.
func (c *Connection) ID() string {
	return c.id
}

// GetWorkerName returns the worker name for this connection.
func (c *Connection) GetWorkerName() string {
	return c.workerName
}

// GetState returns the current connection state.
func (c *Connection) GetState() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

// Handle processes the connection's read/write loop.
func (c *Connection) Handle(ctx context.Context) error {
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeChan:
			return nil
		default:
			// Set read deadline
			c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

			// Read line
			line, err := c.reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					return nil
				}
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					c.logger.Debug("Connection read timeout", zap.String("id", c.id))
					return nil
				}
				return fmt.Errorf("read error: %w", err)
			}

			// Parse and handle message
			if err := c.handleMessage(ctx, line); err != nil {
				c.logger.Error("Failed to handle message",
					zap.String("id", c.id),
					zap.Error(err),
				)
				// Log only; the connection stays open
			}
		}
	}
}

// handleMessage parses and routes a JSON-RPC message.
func (c *Connection) handleMessage(ctx context.Context, data string) error {
	var msg protocol.Request
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		// Malformed lines are dropped without a reply.
		c.logger.Debug("dropping malformed line", zap.String("id", c.id))
		return nil
	}

	c.logger.Debug("Received message",
		zap.String("id", c.id),
		zap.String("method", msg.Method),
	)

	switch msg.Method {
	case "mining.subscribe":
		return c.handleSubscribe(ctx, msg)
	case "mining.authorize":
		return c.handleAuthorize(ctx, msg)
	case "mining.submit":
		return c.handleSubmit(ctx, msg)
	case "mining.extranonce.subscribe":
		return c.handleExtranonceSubscribe(ctx, msg)
	case "mining.configure":
		return c.handleConfigure(msg)
	default:
		// Unknown methods get a null/null reply rather than an error:
		// some miners probe for optional extensions and expect a quiet
		// no-op instead of a hard failure.
		return c.sendResult(msg.ID, nil)
	}
}

// handleConfigure handles mining.configure requests. No server-side
// extension (version-rolling etc.) is supported, so every requested
// extension is reported as unsupported/false.
func (c *Connection) handleConfigure(req protocol.Request) error {
	extensions, caps, err := protocol.ParseConfigureExtensions(req.Params)
	if err != nil {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "Invalid params")
	}

	if caps != nil && caps.VersionRolling != nil {
		c.logger.Debug("client requested version-rolling, not supported",
			zap.String("id", c.id),
			zap.String("mask", caps.VersionRolling.Mask),
		)
	}

	result := map[string]interface{}{}
	for _, ext := range extensions {
		result[ext] = false
	}

	return c.sendResult(req.ID, result)
}

// handleSubscribe handles mining.subscribe requests.
func (c *Connection) handleSubscribe(ctx context.Context, req protocol.Request) error {
	if subParams, err := protocol.ParseSubscribeParams(req.Params); err == nil && subParams.UserAgent != "" {
		c.logger.Debug("client subscribed",
			zap.String("id", c.id),
			zap.String("user_agent", subParams.UserAgent),
		)
	}

	// Generate extranonce for this connection
	c.extranonce = c.jobManager.GenerateExtranonce1()

	// Update state
	atomic.StoreInt32(&c.state, int32(StateSubscribed))

	result := protocol.SubscribeResult{
		Subscriptions: [][]interface{}{
			{"mining.set_difficulty", c.id},
			{"mining.notify", c.id},
		},
		Extranonce1:     c.extranonce,
		Extranonce2Size: c.jobManager.GetExtranonce2Size(),
	}

	return c.sendResult(req.ID, result)
}

// handleAuthorize handles mining.authorize requests.
func (c *Connection) handleAuthorize(ctx context.Context, req protocol.Request) error {
	if c.GetState() < StateSubscribed {
		return c.sendError(req.ID, protocol.ErrUnauthorized, "Not subscribed")
	}

	authParams, err := protocol.ParseAuthorizeParams(req.Params)
	if err != nil || authParams.Username == "" {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "Invalid params")
	}
	username, password := authParams.Username, authParams.Password

	// Register worker
	w, err := c.workerManager.Register(ctx, username, password, c.conn.RemoteAddr().String())
	if err != nil {
		c.logger.Error("Worker registration failed",
			zap.String("id", c.id),
			zap.String("username", username),
			zap.Error(err),
		)
		return c.sendResult(req.ID, false)
	}

	c.workerName = username
	c.difficulty = w.Difficulty

	// Update state
	atomic.StoreInt32(&c.state, int32(StateAuthorized))

	c.logger.Info("Worker authorized",
		zap.String("id", c.id),
		zap.String("worker", username),
		zap.Float64("difficulty", c.difficulty),
	)

	// Send authorization result
	if err := c.sendResult(req.ID, true); err != nil {
		return err
	}

	// Send initial difficulty
	if err := c.sendDifficulty(c.difficulty); err != nil {
		return err
	}

	// Send current job
	job := c.jobManager.GetCurrentJob()
	if job != nil {
		return c.SendJob(job)
	}

	return nil
}

// handleSubmit handles mining.submit requests.
func (c *Connection) handleSubmit(ctx context.Context, req protocol.Request) error {
	if c.GetState() < StateAuthorized {
		return c.sendError(req.ID, protocol.ErrUnauthorized, "Not authorized")
	}

	submitParams, err := protocol.ParseSubmitParams(req.Params)
	if err != nil {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "Invalid params")
	}
	workerName := submitParams.WorkerName

	share := &mining.Share{
		WorkerName:  workerName,
		JobID:       submitParams.JobID,
		Extranonce1: c.extranonce,
		Extranonce2: submitParams.Extranonce2,
		Ntime:       submitParams.NTime,
		Nonce:       submitParams.Nonce,
		Difficulty:  c.difficulty,
		SubmittedAt: time.Now(),
		IPAddress:   c.conn.RemoteAddr().String(),
	}

	// Validate share
	result, err := c.shareValidator.Validate(ctx, share)
	if err != nil {
		c.logger.Error("Share validation error",
			zap.String("id", c.id),
			zap.Error(err),
		)
		return c.sendError(req.ID, protocol.ErrInternalError, "Internal error")
	}

	// Update worker statistics
	c.workerManager.UpdateStats(ctx, c.workerName, result)

	// Check result
	if !result.Valid {
		c.logger.Debug("Invalid share",
			zap.String("id", c.id),
			zap.String("worker", workerName),
			zap.String("reason", result.RejectReason),
		)
		switch result.RejectReason {
		case mining.RejectJobNotFound, mining.RejectStaleJob:
			return c.sendError(req.ID, protocol.ErrJobNotFound, "Stale job")
		default:
			// DuplicateShare, BadNtime, LowDifficulty and invalid share data
			// all reply false with no error object; low-difficulty shares
			// are still recorded by the validator, the rest are not.
			return c.sendResult(req.ID, false)
		}
	}

	c.logger.Debug("Valid share",
		zap.String("id", c.id),
		zap.String("worker", workerName),
		zap.Float64("difficulty", share.Difficulty),
	)

	// Check for vardiff adjustment
	if newDiff := c.workerManager.CheckVarDiff(ctx, c.workerName); newDiff > 0 && newDiff != c.difficulty {
		c.difficulty = newDiff
		if err := c.sendDifficulty(newDiff); err != nil {
			c.logger.Error("Failed to send difficulty update",
				zap.String("id", c.id),
				zap.Error(err),
			)
		}
	}

	return c.sendResult(req.ID, true)
}

// handleExtranonceSubscribe handles mining.extranonce.subscribe requests.
func (c *Connection) handleExtranonceSubscribe(ctx context.Context, req protocol.Request) error {
	return c.sendResult(req.ID, true)
}

// SendJob sends a mining.notify message to the client.
func (c *Connection) SendJob(job *mining.Job) error {
	if c.GetState() < StateAuthorized {
		return nil
	}

	params := protocol.NotifyParams{
		JobID:          job.ID,
		PrevBlockHash:  job.PrevBlockHash,
		Coinbase1:      hex.EncodeToString(job.Coinb1),
		Coinbase2:      hex.EncodeToString(job.Coinb2),
		MerkleBranches: job.MerkleBranchHex(),
		Version:        fmt.Sprintf("%08x", job.Version),
		NBits:          job.NBits,
		NTime:          fmt.Sprintf("%08x", job.NTime),
		CleanJobs:      job.CleanJobs,
	}

	return c.sendNotification("mining.notify", params)
}

// SetDifficulty sets the connection difficulty and notifies the client.
func (c *Connection) SetDifficulty(difficulty float64) error {
	c.difficulty = difficulty
	return c.sendDifficulty(difficulty)
}

// sendDifficulty sends a mining.set_difficulty notification.
func (c *Connection) sendDifficulty(difficulty float64) error {
	return c.sendNotification("mining.set_difficulty", protocol.SetDifficultyParams{Difficulty: difficulty})
}

// sendResult sends a JSON-RPC result response.
func (c *Connection) sendResult(id interface{}, result interface{}) error {
	response := protocol.Response{
		ID:     id,
		Result: result,
		Error:  nil,
	}
	return c.send(response)
}

// sendError sends a JSON-RPC error response.
func (c *Connection) sendError(id interface{}, code int, message string) error {
	response := protocol.Response{
		ID:     id,
		Result: nil,
		Error:  protocol.NewError(code, message).ToJSON(),
	}
	return c.send(response)
}

// sendNotification sends a JSON-RPC notification (no id).
func (c *Connection) sendNotification(method string, params interface{}) error {
	notification := protocol.Notification{
		ID:     nil,
		Method: method,
		Params: params,
	}
	return c.send(notification)
}

// send writes a JSON message to the connection.
func (c *Connection) send(msg interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))

	data = append(data, '\n')
	_, err = c.conn.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

// Close closes the connection.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.state, int32(StateDisconnected))
		close(c.closeChan)
		c.conn.Close()

		// Unregister worker
		if c.workerName != "" {
			c.workerManager.Disconnect(context.Background(), c.workerName)
		}
	})
}

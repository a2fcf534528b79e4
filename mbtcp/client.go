package mbtcp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-mbus/logger"
	"github.com/arloliu/go-mbus/mbus"
)

// Client is a Modbus TCP client engine. It correlates concurrently in-flight
// requests with their responses on one connection, racing a per-request
// expiry timer against response arrival for every transaction.
//
// A Client is safe for concurrent use. Submit never blocks the caller; the
// connection provider's read path and the timer service resolve transactions
// on their own execution contexts, coordinated solely through the transaction
// table's atomic operations.
type Client struct {
	pctx      context.Context
	ctx       context.Context
	ctxCancel context.CancelFunc
	cfg       *ClientConfig
	logger    logger.Logger

	provider mbus.ConnProvider
	timers   mbus.TimerService
	metrics  mbus.Metrics

	table    *transactionTable
	nextID   atomic.Uint32
	shutdown atomic.Bool
	taskMgr  *mbus.TaskManager
}

// NewClient creates a new Client with the given context and configuration.
//
// When the configuration carries no connection provider, a TCPProvider for
// the configured host and port is built. The provider's delivery callback is
// registered before the client is returned, so responses arriving on an
// already-established connection are never lost.
func NewClient(ctx context.Context, cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		return nil, mbus.ErrClientConfigNil
	}

	c := &Client{
		pctx:    ctx,
		cfg:     cfg,
		logger:  cfg.logger,
		timers:  cfg.timers,
		metrics: cfg.metrics,
		table:   newTransactionTable(),
	}

	if cfg.instanceLabel != "" {
		c.logger = c.logger.With("instance", cfg.instanceLabel)
	}

	c.ctx, c.ctxCancel = context.WithCancel(ctx)
	c.taskMgr = mbus.NewTaskManager(c.ctx, c.logger)

	c.provider = cfg.provider
	if c.provider == nil {
		addr := net.JoinHostPort(cfg.host, strconv.Itoa(cfg.port))
		opts := append([]ProviderOption{ProviderLogger(c.logger)}, cfg.providerOpts...)
		c.provider = NewTCPProvider(ctx, addr, opts...)
	}

	c.provider.OnDelivery(c.deliver)
	c.seedTransactionID()

	return c, nil
}

// Submit dispatches one request to the given unit and returns an asynchronous
// result handle without waiting for the response.
//
// The request is assigned the next transaction identifier, tracked in the
// transaction table, and raced against the configured reply timeout. The
// returned handle resolves with the response PDU, or with one of
// *mbus.AcquireError, *mbus.TimeoutError, mbus.ErrPDUTooLarge, or
// mbus.ErrClosed.
//
// At most 65536 transactions may be open simultaneously; beyond that,
// identifier allocation collides and the request fails with
// mbus.ErrDuplicateTransactionID.
func (c *Client) Submit(pdu *mbus.PDU, unitID byte) *PendingResponse {
	pr := newPendingResponse()

	if c.shutdown.Load() {
		pr.complete(nil, mbus.ErrClosed)
		return pr
	}

	if !pdu.Valid() {
		// an oversized PDU would serialize into a frame no compliant server
		// accepts, and desync the server's stream framing
		pr.complete(nil, mbus.ErrPDUTooLarge)
		return pr
	}

	id := c.allocTransactionID()

	txn := &pendingTxn{
		result:    pr,
		startedAt: time.Now(),
	}
	txn.timer = c.timers.Arm(c.cfg.responseTimeout, func() {
		c.resolveTimeout(id)
	})

	if err := c.table.insert(id, txn); err != nil {
		txn.timer.Cancel()
		pr.complete(nil, err)

		return pr
	}

	// a shutdown racing this submit may have drained the table before the
	// insert above; the flag was set before the drain, so re-checking it here
	// catches the record the drain missed
	if c.shutdown.Load() {
		if missed, ok := c.table.removeIfPresent(id); ok {
			missed.timer.Cancel()
			missed.result.complete(nil, mbus.ErrClosed)
		}

		return pr
	}

	if c.logger.Level() == logger.DebugLevel {
		c.logger.Debug("request submitted", "transactionID", id, "unitID", unitID, "funcCode", pdu.FuncCode)
	}

	env := &mbus.Envelope{TransactionID: id, UnitID: unitID, PDU: *pdu}

	conn, pending := c.provider.Acquire()
	if conn != nil {
		c.writeEnvelope(conn, env)
	} else {
		c.deferWrite(id, env, pending)
	}

	c.metrics.IncSubmitted()

	return pr
}

// Inflight returns the number of currently open transactions.
func (c *Client) Inflight() int {
	return c.table.size()
}

// Shutdown releases the connection and fails every outstanding request with
// mbus.ErrClosed. It is idempotent; calls after the first are no-ops.
func (c *Client) Shutdown() {
	if !c.shutdown.CompareAndSwap(false, true) {
		return
	}

	c.logger.Debug("start shutdown process")

	c.provider.Release()
	c.ctxCancel()
	c.taskMgr.Stop()

	drained := c.table.drain()
	for _, txn := range drained {
		txn.timer.Cancel()
		txn.result.complete(nil, mbus.ErrClosed)
	}

	c.taskMgr.Wait()

	c.logger.Info("client closed", "abandonedRequests", len(drained))
}

// deliver is the connection provider's delivery callback, invoked once per
// decoded inbound envelope. Whichever of deliver and resolveTimeout wins the
// table's atomic removal owns completion; the loser is a no-op.
func (c *Client) deliver(env *mbus.InboundEnvelope) {
	txn, ok := c.table.removeIfPresent(env.TransactionID)
	if !ok {
		// already resolved by timeout, or a duplicate/unsolicited response
		c.metrics.IncLate()
		c.logger.Debug("late or unsolicited response", "transactionID", env.TransactionID, "funcCode", env.PDU.FuncCode)

		return
	}

	txn.timer.Cancel()
	c.metrics.ObserveRoundTrip(time.Since(txn.startedAt))
	c.metrics.IncCompleted()

	txn.result.complete(&env.PDU, nil)
}

// resolveTimeout is the expiry-timer callback for one transaction.
func (c *Client) resolveTimeout(id uint16) {
	txn, ok := c.table.removeIfPresent(id)
	if !ok {
		// the response arrived between timer firing and this callback running
		return
	}

	c.metrics.IncTimeout()
	c.logger.Debug("request timed out", "transactionID", id, "timeout", c.cfg.responseTimeout)

	txn.result.complete(nil, &mbus.TimeoutError{Timeout: c.cfg.responseTimeout})
}

// resolveAcquireFailure fails one transaction whose connection could not be
// established. There is nothing left to time out, so the record is removed
// through the same atomic arbiter as the other resolution paths.
func (c *Client) resolveAcquireFailure(id uint16, cause error) {
	txn, ok := c.table.removeIfPresent(id)
	if !ok {
		return
	}

	txn.timer.Cancel()
	c.metrics.IncAcquireFailed()
	c.logger.Warn("connection acquisition failed", "transactionID", id, "error", cause)

	txn.result.complete(nil, &mbus.AcquireError{Err: cause})
}

// writeEnvelope writes env to conn. Transmission failures surface through the
// connection being torn down, after which the request resolves by timeout.
func (c *Client) writeEnvelope(conn mbus.Conn, env *mbus.Envelope) {
	if err := conn.Write(env); err != nil {
		c.logger.Error("failed to write envelope", "transactionID", env.TransactionID, "error", err)
	}
}

// deferWrite schedules the write of env for when the provider's pending
// connection attempt settles. The continuation runs on its own goroutine,
// never on the submitting caller's.
func (c *Client) deferWrite(id uint16, env *mbus.Envelope, pending <-chan mbus.DialResult) {
	err := c.taskMgr.Start(fmt.Sprintf("deferredWrite-%d", id), func() bool {
		select {
		case <-c.ctx.Done():
			// shutdown resolves the transaction through the table drain
		case res := <-pending:
			if res.Err != nil {
				c.resolveAcquireFailure(id, res.Err)
				break
			}
			c.writeEnvelope(res.Conn, env)
		}

		return false
	})
	if err != nil {
		c.resolveAcquireFailure(id, err)
	}
}

// allocTransactionID returns the next transaction identifier from the
// wrapping counter. An identifier is only meaningful while its transaction is
// open, so reuse after wraparound is acceptable.
func (c *Client) allocTransactionID() uint16 {
	return uint16(c.nextID.Add(1))
}

// seedTransactionID randomizes the starting transaction identifier so that
// identifiers from a restarted client don't collide with responses still in
// flight for its predecessor.
func (c *Client) seedTransactionID() {
	var buf [2]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return
	}

	c.nextID.Store(uint32(binary.LittleEndian.Uint16(buf[:])))
}

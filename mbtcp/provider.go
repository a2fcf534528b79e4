package mbtcp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/arloliu/go-mbus/internal/pool"
	"github.com/arloliu/go-mbus/logger"
	"github.com/arloliu/go-mbus/mbus"
)

const (
	defaultDialTimeout     = 3 * time.Second
	defaultDialBackoff     = 500 * time.Millisecond
	defaultMaxDialRetries  = 3
	defaultWriteTimeout    = 5 * time.Second
	defaultReadTimeout     = 5 * time.Second
	defaultSenderQueueSize = 10
)

// TCPProvider is the default mbus.ConnProvider: a lazily dialed Modbus TCP
// connection with constant-backoff dial retry, a buffered sender goroutine,
// and a supervised reader goroutine decoding MBAP frames into the delivery
// callback.
//
// The first Acquire triggers the dial; concurrent Acquire calls during an
// in-flight dial share the same attempt through their pending handles. When
// the connection is torn down, the next Acquire dials again.
type TCPProvider struct {
	ctx       context.Context
	ctxCancel context.CancelFunc
	logger    logger.Logger
	taskMgr   *mbus.TaskManager

	addr            string
	dialTimeout     time.Duration
	dialBackoff     time.Duration
	maxDialRetries  uint64
	writeTimeout    time.Duration
	readTimeout     time.Duration
	senderQueueSize int

	mu      sync.Mutex
	netConn net.Conn
	active  *tcpConn
	waiters []chan mbus.DialResult
	dialing bool

	deliverMu sync.RWMutex
	deliver   mbus.DeliveryFunc

	released atomic.Bool
}

var _ mbus.ConnProvider = (*TCPProvider)(nil)

// ProviderOption customizes a TCPProvider.
type ProviderOption func(*TCPProvider)

// ProviderDialTimeout sets the timeout of a single connection attempt.
func ProviderDialTimeout(d time.Duration) ProviderOption {
	return func(p *TCPProvider) { p.dialTimeout = d }
}

// ProviderDialBackoff sets the constant backoff between connection attempts.
func ProviderDialBackoff(d time.Duration) ProviderOption {
	return func(p *TCPProvider) { p.dialBackoff = d }
}

// ProviderMaxDialRetries sets how many times a failed connection attempt is
// retried before the acquisition fails.
func ProviderMaxDialRetries(n uint64) ProviderOption {
	return func(p *TCPProvider) { p.maxDialRetries = n }
}

// ProviderWriteTimeout sets the write deadline for outbound envelopes and the
// timeout for queueing an envelope to the sender.
func ProviderWriteTimeout(d time.Duration) ProviderOption {
	return func(p *TCPProvider) { p.writeTimeout = d }
}

// ProviderReadTimeout sets the read deadline for an MBAP frame's payload once
// its header has arrived. The connection may idle indefinitely between frames.
func ProviderReadTimeout(d time.Duration) ProviderOption {
	return func(p *TCPProvider) { p.readTimeout = d }
}

// ProviderSenderQueueSize sets the size of the sender queue.
func ProviderSenderQueueSize(n int) ProviderOption {
	return func(p *TCPProvider) { p.senderQueueSize = n }
}

// ProviderLogger sets the logger instance.
func ProviderLogger(l logger.Logger) ProviderOption {
	return func(p *TCPProvider) { p.logger = l }
}

// NewTCPProvider creates a TCPProvider for addr (host:port). The connection
// is not dialed until the first Acquire.
func NewTCPProvider(ctx context.Context, addr string, opts ...ProviderOption) *TCPProvider {
	p := &TCPProvider{
		addr:            addr,
		dialTimeout:     defaultDialTimeout,
		dialBackoff:     defaultDialBackoff,
		maxDialRetries:  defaultMaxDialRetries,
		writeTimeout:    defaultWriteTimeout,
		readTimeout:     defaultReadTimeout,
		senderQueueSize: defaultSenderQueueSize,
		logger:          logger.GetLogger(),
	}

	for _, opt := range opts {
		opt(p)
	}

	p.ctx, p.ctxCancel = context.WithCancel(ctx)
	p.taskMgr = mbus.NewTaskManager(p.ctx, p.logger)

	return p
}

// OnDelivery registers the callback receiving every decoded inbound envelope.
func (p *TCPProvider) OnDelivery(fn mbus.DeliveryFunc) {
	p.deliverMu.Lock()
	p.deliver = fn
	p.deliverMu.Unlock()
}

// Acquire returns the established connection, or a pending handle that
// settles when the shared dial attempt finishes. It never blocks.
func (p *TCPProvider) Acquire() (mbus.Conn, <-chan mbus.DialResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released.Load() {
		ch := make(chan mbus.DialResult, 1)
		ch <- mbus.DialResult{Err: mbus.ErrClosed}

		return nil, ch
	}

	if p.active != nil {
		return p.active, nil
	}

	ch := make(chan mbus.DialResult, 1)
	p.waiters = append(p.waiters, ch)

	if !p.dialing {
		p.dialing = true
		if err := p.taskMgr.Start("dial", p.dialTask); err != nil {
			p.dialing = false
			p.waiters = p.waiters[:len(p.waiters)-1]
			ch <- mbus.DialResult{Err: err}
		}
	}

	return nil, ch
}

// Release tears down the connection and fails any in-flight acquisition.
// It is idempotent.
func (p *TCPProvider) Release() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}

	p.ctxCancel()
	p.teardown()
	p.taskMgr.Stop()

	p.mu.Lock()
	waiters := p.waiters
	p.waiters = nil
	p.dialing = false
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- mbus.DialResult{Err: mbus.ErrClosed}
	}

	p.taskMgr.Wait()
}

// dialTask is a one-shot task establishing the TCP connection.
func (p *TCPProvider) dialTask() bool {
	conn, err := p.dial()
	if err != nil {
		p.failDial(err)
		return false
	}

	p.finishDial(conn)

	return false
}

func (p *TCPProvider) dial() (net.Conn, error) {
	backoff := retry.WithMaxRetries(p.maxDialRetries, retry.NewConstant(p.dialBackoff))

	var conn net.Conn
	err := retry.Do(p.ctx, backoff, func(ctx context.Context) error {
		dialer := net.Dialer{Timeout: p.dialTimeout}

		c, err := dialer.DialContext(ctx, "tcp", p.addr)
		if err != nil {
			p.logger.Debug("dial attempt failed", "addr", p.addr, "error", err)
			return retry.RetryableError(err)
		}

		conn = c

		return nil
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// finishDial publishes the established connection and notifies every waiter.
func (p *TCPProvider) finishDial(conn net.Conn) {
	active := &tcpConn{
		p:        p,
		netConn:  conn,
		sendChan: make(chan *mbus.Envelope, p.senderQueueSize),
	}

	if err := p.taskMgr.StartSender("sender", active.senderTask, nil, active.sendChan); err != nil {
		_ = conn.Close()
		p.failDial(err)

		return
	}

	reader := bufio.NewReader(conn)
	err := p.taskMgr.StartReceiver("receiver", func(hdrBuf []byte) bool {
		return p.readerTask(conn, reader, hdrBuf)
	}, p.teardown)
	if err != nil {
		_ = conn.Close()
		p.failDial(err)

		return
	}

	p.mu.Lock()
	p.netConn = conn
	p.active = active
	p.dialing = false
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	p.logger.Info("connection established", "addr", p.addr)

	for _, ch := range waiters {
		ch <- mbus.DialResult{Conn: active}
	}
}

// failDial fails every waiter of the current dial attempt.
func (p *TCPProvider) failDial(cause error) {
	p.mu.Lock()
	p.dialing = false
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	p.logger.Error("failed to establish connection", "addr", p.addr, "error", cause)

	for _, ch := range waiters {
		ch <- mbus.DialResult{Err: cause}
	}
}

// teardown closes the TCP connection and unpublishes it. The next Acquire
// dials again. It is safe to call from multiple goroutines.
func (p *TCPProvider) teardown() {
	p.mu.Lock()
	conn := p.netConn
	p.netConn = nil
	p.active = nil
	p.mu.Unlock()

	if conn == nil {
		return
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetLinger(0)
	}

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		p.logger.Error("failed to close TCP connection", "error", err)
	}

	p.logger.Info("connection closed", "addr", p.addr)
}

// readerTask reads and decodes one MBAP frame per iteration and hands it to
// the delivery callback.
func (p *TCPProvider) readerTask(conn net.Conn, reader *bufio.Reader, hdrBuf []byte) bool {
	// the connection may idle indefinitely between frames
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return false
	}

	if _, err := io.ReadFull(reader, hdrBuf); err != nil {
		if !isConnClosedErr(err) {
			p.logger.Error("failed to read MBAP header", "error", err)
		}

		return false
	}

	hdr, err := mbus.ParseMBAPHeader(hdrBuf)
	if err != nil {
		// framing is lost, the stream cannot be resynchronized
		p.logger.Error("failed to parse MBAP header", "error", err)
		return false
	}

	if err := conn.SetReadDeadline(time.Now().Add(p.readTimeout)); err != nil {
		return false
	}

	body := make([]byte, hdr.PDUSize())
	if _, err := io.ReadFull(reader, body); err != nil {
		if !isConnClosedErr(err) {
			p.logger.Error("failed to read MBAP payload", "error", err)
		}

		return false
	}

	pdu, err := mbus.DecodePDU(body)
	if err != nil {
		p.logger.Error("failed to decode PDU", "transactionID", hdr.TransactionID, "error", err)
		return true
	}

	env := &mbus.InboundEnvelope{
		TransactionID: hdr.TransactionID,
		UnitID:        hdr.UnitID,
		PDU:           pdu,
	}

	p.deliverMu.RLock()
	deliver := p.deliver
	p.deliverMu.RUnlock()

	if deliver != nil {
		deliver(env)
	}

	return true
}

func isConnClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// tcpConn is the writable endpoint handed out by Acquire. Writes are queued
// to the sender goroutine, which serializes them onto the TCP connection.
type tcpConn struct {
	p        *TCPProvider
	netConn  net.Conn
	sendChan chan *mbus.Envelope
}

var _ mbus.Conn = (*tcpConn)(nil)

// Write queues env for transmission. It fails with mbus.ErrWriteTimeout when
// the sender queue stays full for the configured write timeout.
func (c *tcpConn) Write(env *mbus.Envelope) error {
	enqueueTimer := pool.GetTimer(c.p.writeTimeout)
	defer pool.PutTimer(enqueueTimer)

	select {
	case c.sendChan <- env:
		return nil
	case <-enqueueTimer.C:
		return mbus.ErrWriteTimeout
	}
}

// senderTask writes queued envelopes to the TCP connection. A write failure
// tears the connection down; affected requests resolve by timeout.
func (c *tcpConn) senderTask(env *mbus.Envelope) bool {
	if err := c.writeSync(env); err != nil {
		var opErr *net.OpError
		if !errors.As(err, &opErr) {
			c.p.logger.Error("failed to send envelope", "transactionID", env.TransactionID, "error", err)
		}

		c.p.teardown()

		return false
	}

	return true
}

func (c *tcpConn) writeSync(env *mbus.Envelope) error {
	if err := c.netConn.SetWriteDeadline(time.Now().Add(c.p.writeTimeout)); err != nil {
		return err
	}

	_, err := c.netConn.Write(env.ToBytes())

	return err
}

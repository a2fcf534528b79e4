package mbtcp

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-mbus/logger"
	"github.com/arloliu/go-mbus/mbus"
)

func TestMain(m *testing.M) {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	var level logger.LogLevel
	switch logLevel {
	case "debug":
		level = logger.DebugLevel
	case "info":
		level = logger.InfoLevel
	case "warn":
		level = logger.WarnLevel
	case "error":
		level = logger.ErrorLevel
	default:
		level = logger.InfoLevel
	}

	logger.SetLevel(level)

	os.Exit(m.Run())
}

// fakeConn records every envelope written to it.
type fakeConn struct {
	mu     sync.Mutex
	writes []*mbus.Envelope
}

func (f *fakeConn) Write(env *mbus.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writes = append(f.writes, env)

	return nil
}

func (f *fakeConn) written() []*mbus.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*mbus.Envelope(nil), f.writes...)
}

func (f *fakeConn) lastTransactionID() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.writes[len(f.writes)-1].TransactionID
}

// fakeProvider hands out a fixed connection, or pending handles the test
// settles by hand.
type fakeProvider struct {
	mu       sync.Mutex
	conn     mbus.Conn
	waiters  []chan mbus.DialResult
	deliver  mbus.DeliveryFunc
	released atomic.Bool
}

func (f *fakeProvider) Acquire() (mbus.Conn, <-chan mbus.DialResult) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn != nil {
		return f.conn, nil
	}

	ch := make(chan mbus.DialResult, 1)
	f.waiters = append(f.waiters, ch)

	return nil, ch
}

func (f *fakeProvider) OnDelivery(fn mbus.DeliveryFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deliver = fn
}

func (f *fakeProvider) Release() {
	f.released.Store(true)
}

func (f *fakeProvider) settle(res mbus.DialResult) {
	f.mu.Lock()
	waiters := f.waiters
	f.waiters = nil
	f.mu.Unlock()

	for _, ch := range waiters {
		ch <- res
	}
}

// respond drives the response-arrival path the way the provider's read path
// would.
func (f *fakeProvider) respond(txnID uint16, pdu mbus.PDU) {
	f.mu.Lock()
	deliver := f.deliver
	f.mu.Unlock()

	deliver(&mbus.InboundEnvelope{TransactionID: txnID, UnitID: 1, PDU: pdu})
}

// manualTimers records armed timers so tests can force-fire them.
type manualTimers struct {
	mu    sync.Mutex
	armed []*manualTimer
}

type manualTimer struct {
	fn       func()
	canceled atomic.Bool
}

func (m *manualTimers) Arm(_ time.Duration, fn func()) mbus.TimerHandle {
	t := &manualTimer{fn: fn}

	m.mu.Lock()
	m.armed = append(m.armed, t)
	m.mu.Unlock()

	return t
}

func (m *manualTimers) last() *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.armed[len(m.armed)-1]
}

func (t *manualTimer) Cancel() {
	t.canceled.Store(true)
}

// fire invokes the callback unconditionally; the transaction table, not the
// timer, arbitrates a fire racing a response.
func (t *manualTimer) fire() {
	t.fn()
}

func newTestClient(t *testing.T, provider mbus.ConnProvider, opts ...ClientOption) (*Client, *ClientMetrics) {
	t.Helper()

	metrics := &ClientMetrics{}
	opts = append([]ClientOption{
		WithConnProvider(provider),
		WithMetrics(metrics),
	}, opts...)

	cfg, err := NewClientConfig("127.0.0.1", 502, opts...)
	require.NoError(t, err)

	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)

	return client, metrics
}

func TestClient_ResponseCompletesRequest(t *testing.T) {
	require := require.New(t)

	conn := &fakeConn{}
	provider := &fakeProvider{conn: conn}
	client, metrics := newTestClient(t, provider)
	defer client.Shutdown()

	pending := client.Submit(mbus.NewPDU(0x03, []byte{0x00, 0x6B, 0x00, 0x03}), 1)

	require.Len(conn.written(), 1)
	txnID := conn.lastTransactionID()

	go func() {
		time.Sleep(10 * time.Millisecond)
		provider.respond(txnID, mbus.PDU{FuncCode: 0x03, Data: []byte{0x06, 0x02, 0x2B, 0x00, 0x00, 0x00, 0x64}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	pdu, err := pending.Await(ctx)
	require.NoError(err)
	require.Equal(byte(0x03), pdu.FuncCode)
	require.Equal([]byte{0x06, 0x02, 0x2B, 0x00, 0x00, 0x00, 0x64}, pdu.Data)

	require.Equal(uint64(1), metrics.SubmittedCount.Load())
	require.Equal(uint64(1), metrics.CompletedCount.Load())
	require.Equal(uint64(0), metrics.TimeoutCount.Load())
	require.Positive(metrics.RoundTripTotal.Load())
	require.Equal(0, client.Inflight())
}

func TestClient_TimeoutFailsRequest(t *testing.T) {
	require := require.New(t)

	provider := &fakeProvider{conn: &fakeConn{}}
	client, metrics := newTestClient(t, provider, WithResponseTimeout(50*time.Millisecond))
	defer client.Shutdown()

	begin := time.Now()
	pending := client.Submit(mbus.NewPDU(0x03, nil), 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := pending.Await(ctx)
	require.ErrorIs(err, mbus.ErrTimeout)
	require.GreaterOrEqual(time.Since(begin), 50*time.Millisecond)

	var timeoutErr *mbus.TimeoutError
	require.ErrorAs(err, &timeoutErr)
	require.Equal(50*time.Millisecond, timeoutErr.Timeout)

	require.Equal(uint64(1), metrics.TimeoutCount.Load())
	require.Equal(uint64(0), metrics.CompletedCount.Load())
	require.Equal(0, client.Inflight())
}

func TestClient_LateResponseIsNoop(t *testing.T) {
	require := require.New(t)

	conn := &fakeConn{}
	provider := &fakeProvider{conn: conn}
	client, metrics := newTestClient(t, provider, WithResponseTimeout(50*time.Millisecond))
	defer client.Shutdown()

	pending := client.Submit(mbus.NewPDU(0x04, nil), 1)
	txnID := conn.lastTransactionID()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := pending.Await(ctx)
	require.ErrorIs(err, mbus.ErrTimeout)

	// the response arriving now refers to an already-resolved transaction
	provider.respond(txnID, mbus.PDU{FuncCode: 0x04})

	require.Equal(uint64(1), metrics.LateCount.Load())
	require.Equal(uint64(0), metrics.CompletedCount.Load())
	require.Equal(uint64(1), metrics.TimeoutCount.Load())

	// delivering it again stays a counted no-op
	provider.respond(txnID, mbus.PDU{FuncCode: 0x04})
	require.Equal(uint64(2), metrics.LateCount.Load())
}

func TestClient_AtMostOnceResolution(t *testing.T) {
	// race a synthetic response delivery against a forced timer firing for
	// the same identifier: exactly one side completes the result
	require := require.New(t)

	const iterations = 500

	conn := &fakeConn{}
	provider := &fakeProvider{conn: conn}
	timers := &manualTimers{}
	client, metrics := newTestClient(t, provider, WithTimerService(timers))
	defer client.Shutdown()

	for i := 0; i < iterations; i++ {
		pending := client.Submit(mbus.NewPDU(0x03, nil), 1)
		txnID := conn.lastTransactionID()
		timer := timers.last()

		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			timer.fire()
		}()

		go func() {
			defer wg.Done()
			provider.respond(txnID, mbus.PDU{FuncCode: 0x03})
		}()

		wg.Wait()

		res := <-pending.Done()

		if res.Err != nil {
			require.ErrorIs(res.Err, mbus.ErrTimeout)
		} else {
			require.NotNil(res.PDU)
		}

		// a second result would be a double completion
		select {
		case res := <-pending.Done():
			t.Fatalf("iteration %d: second completion %+v", i, res)
		default:
		}

		require.Equal(0, client.Inflight())
	}

	// every transaction resolved exactly once; a losing delivery is counted
	// late, a losing timer fire is silent
	resolved := metrics.CompletedCount.Load() + metrics.TimeoutCount.Load()
	require.Equal(uint64(iterations), resolved)
	require.Equal(metrics.TimeoutCount.Load(), metrics.LateCount.Load())
}

func TestClient_ShutdownResolvesAllPending(t *testing.T) {
	require := require.New(t)

	const outstanding = 5

	provider := &fakeProvider{conn: &fakeConn{}}
	client, _ := newTestClient(t, provider, WithResponseTimeout(10*time.Second))

	results := make([]*PendingResponse, 0, outstanding)
	for i := 0; i < outstanding; i++ {
		results = append(results, client.Submit(mbus.NewPDU(0x03, nil), 1))
	}

	require.Equal(outstanding, client.Inflight())

	client.Shutdown()

	for _, pending := range results {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := pending.Await(ctx)
		cancel()

		require.ErrorIs(err, mbus.ErrClosed)
	}

	require.Equal(0, client.Inflight())
	require.True(provider.released.Load())

	// shutdown is idempotent
	client.Shutdown()
}

func TestClient_OversizedPDURejected(t *testing.T) {
	require := require.New(t)

	conn := &fakeConn{}
	provider := &fakeProvider{conn: conn}
	client, metrics := newTestClient(t, provider)
	defer client.Shutdown()

	pending := client.Submit(mbus.NewPDU(0x10, make([]byte, 300)), 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := pending.Await(ctx)
	require.ErrorIs(err, mbus.ErrPDUTooLarge)

	// the malformed frame never reaches the wire and no transaction opens
	require.Empty(conn.written())
	require.Equal(0, client.Inflight())
	require.Equal(uint64(0), metrics.SubmittedCount.Load())

	// the largest valid PDU still goes through
	client.Submit(mbus.NewPDU(0x10, make([]byte, mbus.MaxPDUSize-1)), 1)
	require.Len(conn.written(), 1)
}

// armHookTimers runs a hook the first time a timer is armed, which lands a
// callback inside Submit's window between its shutdown check and its table
// insert.
type armHookTimers struct {
	inner mbus.TimerService
	hook  func()
}

func (a *armHookTimers) Arm(d time.Duration, fn func()) mbus.TimerHandle {
	if hook := a.hook; hook != nil {
		a.hook = nil
		hook()
	}

	return a.inner.Arm(d, fn)
}

func TestClient_SubmitRacingShutdownResolvesClosed(t *testing.T) {
	require := require.New(t)

	conn := &fakeConn{}
	provider := &fakeProvider{conn: conn}
	timers := &armHookTimers{inner: mbus.SystemTimers()}
	client, _ := newTestClient(t, provider, WithTimerService(timers), WithResponseTimeout(10*time.Second))

	// the whole shutdown completes after Submit passed its first check but
	// before it inserted, so the drain cannot see the transaction
	timers.hook = client.Shutdown

	pending := client.Submit(mbus.NewPDU(0x03, nil), 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := pending.Await(ctx)
	require.ErrorIs(err, mbus.ErrClosed)
	require.Equal(0, client.Inflight())
}

func TestClient_SubmitAfterShutdown(t *testing.T) {
	require := require.New(t)

	client, _ := newTestClient(t, &fakeProvider{conn: &fakeConn{}})
	client.Shutdown()

	pending := client.Submit(mbus.NewPDU(0x03, nil), 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := pending.Await(ctx)
	require.ErrorIs(err, mbus.ErrClosed)
}

func TestClient_AcquireFailure(t *testing.T) {
	require := require.New(t)

	provider := &fakeProvider{} // no connection, Acquire returns pending handles
	client, metrics := newTestClient(t, provider, WithResponseTimeout(10*time.Second))
	defer client.Shutdown()

	pending := client.Submit(mbus.NewPDU(0x03, nil), 1)

	provider.settle(mbus.DialResult{Err: context.DeadlineExceeded})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := pending.Await(ctx)
	require.ErrorIs(err, mbus.ErrAcquire)
	require.ErrorIs(err, context.DeadlineExceeded)

	require.Equal(uint64(1), metrics.AcquireFailedCount.Load())
	require.Equal(0, client.Inflight())
}

func TestClient_DeferredWrite(t *testing.T) {
	require := require.New(t)

	conn := &fakeConn{}
	provider := &fakeProvider{} // connection becomes available later
	client, _ := newTestClient(t, provider)
	defer client.Shutdown()

	pending := client.Submit(mbus.NewPDU(0x06, []byte{0x00, 0x01, 0x00, 0x03}), 1)

	// no connection yet, nothing written
	require.Empty(conn.written())

	provider.settle(mbus.DialResult{Conn: conn})

	require.Eventually(func() bool {
		return len(conn.written()) == 1
	}, time.Second, time.Millisecond)

	txnID := conn.lastTransactionID()
	provider.respond(txnID, mbus.PDU{FuncCode: 0x06, Data: []byte{0x00, 0x01, 0x00, 0x03}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	pdu, err := pending.Await(ctx)
	require.NoError(err)
	require.Equal(byte(0x06), pdu.FuncCode)
}

func TestClient_ConcurrentIdentifierUniqueness(t *testing.T) {
	require := require.New(t)

	const n = 4096

	conn := &fakeConn{}
	provider := &fakeProvider{conn: conn}
	client, _ := newTestClient(t, provider, WithResponseTimeout(10*time.Second))
	defer client.Shutdown()

	var wg sync.WaitGroup
	wg.Add(8)

	for w := 0; w < 8; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < n/8; i++ {
				client.Submit(mbus.NewPDU(0x03, nil), 1)
			}
		}()
	}

	wg.Wait()

	writes := conn.written()
	require.Len(writes, n)

	seen := make(map[uint16]struct{}, n)
	for _, env := range writes {
		_, dup := seen[env.TransactionID]
		require.False(dup, "transaction identifier %d allocated twice", env.TransactionID)
		seen[env.TransactionID] = struct{}{}
	}

	require.Equal(n, client.Inflight())
}

func TestClient_IdentifierWraparound(t *testing.T) {
	require := require.New(t)

	conn := &fakeConn{}
	provider := &fakeProvider{conn: conn}
	client, _ := newTestClient(t, provider)
	defer client.Shutdown()

	client.nextID.Store(0xFFFE)

	ids := make([]uint16, 0, 4)
	for i := 0; i < 4; i++ {
		client.Submit(mbus.NewPDU(0x03, nil), 1)
		id := conn.lastTransactionID()
		ids = append(ids, id)
		provider.respond(id, mbus.PDU{FuncCode: 0x03})
	}

	require.Equal([]uint16{0xFFFF, 0x0000, 0x0001, 0x0002}, ids)
	require.Equal(0, client.Inflight())
}

package mbtcp

import (
	"errors"
	"strings"
	"time"

	"github.com/arloliu/go-mbus/logger"
	"github.com/arloliu/go-mbus/mbus"
)

// ClientConfig represents the configuration parameters for a Modbus TCP
// client. It is immutable once constructed and is shared by every request the
// client issues.
type ClientConfig struct {
	// host specifies the host of the remote Modbus unit.
	host string

	// port specifies the TCP port number of the remote Modbus unit.
	port int

	// responseTimeout defines the reply timeout for submitted requests.
	// It should be between 1 millisecond and 120 seconds.
	// Defaults to 1 second.
	responseTimeout time.Duration

	// instanceLabel optionally namespaces the client's logs and metrics when
	// one process drives several clients.
	instanceLabel string

	// logger provides a logger instance for logging client events and errors.
	logger logger.Logger

	// metrics receives the client's counters and round-trip latency.
	// Defaults to a no-op sink.
	metrics mbus.Metrics

	// timers schedules the per-request expiry timers.
	// Defaults to the runtime timer facility.
	timers mbus.TimerService

	// provider supplies the writable connection. When nil, the client builds
	// a TCPProvider for host:port configured with providerOpts.
	provider mbus.ConnProvider

	providerOpts []ProviderOption
}

// NewClientConfig creates a new client configuration with the given host,
// port number, and optional functional options.
//
// It initializes a ClientConfig with default values and then applies the
// provided options to customize the configuration.
//
// Returns a pointer to the initialized ClientConfig and an error if any
// occurred while applying the options.
func NewClientConfig(host string, port int, opts ...ClientOption) (*ClientConfig, error) {
	cfg := &ClientConfig{
		responseTimeout: 1 * time.Second,
		logger:          logger.GetLogger(),
		metrics:         mbus.NopMetrics(),
		timers:          mbus.SystemTimers(),
	}

	if err := withTargetHost(host).apply(cfg); err != nil {
		return cfg, err
	}

	if err := withPort(port).apply(cfg); err != nil {
		return cfg, err
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// Host returns the host of the remote Modbus unit.
func (cfg *ClientConfig) Host() string {
	return cfg.host
}

// Port returns the TCP port number of the remote Modbus unit.
func (cfg *ClientConfig) Port() int {
	return cfg.port
}

// ResponseTimeout returns the configured reply timeout.
func (cfg *ClientConfig) ResponseTimeout() time.Duration {
	return cfg.responseTimeout
}

// InstanceLabel returns the optional instance label.
func (cfg *ClientConfig) InstanceLabel() string {
	return cfg.instanceLabel
}

// ClientOption represents a functional option for configuring a ClientConfig.
type ClientOption interface {
	apply(*ClientConfig) error
}

type clientOptFunc struct {
	name      string
	applyFunc func(*ClientConfig) error
}

func (c *clientOptFunc) apply(cfg *ClientConfig) error { return c.applyFunc(cfg) }

func newClientOptFunc(name string, f func(*ClientConfig) error) *clientOptFunc {
	return &clientOptFunc{name: name, applyFunc: f}
}

// withTargetHost sets the host of the remote Modbus unit.
func withTargetHost(host string) ClientOption {
	return newClientOptFunc("withTargetHost", func(cfg *ClientConfig) error {
		if cfg == nil {
			return mbus.ErrClientConfigNil
		}

		if strings.TrimSpace(host) == "" {
			return errors.New("invalid host")
		}

		cfg.host = host

		return nil
	})
}

// withPort sets the TCP port number of the remote Modbus unit.
func withPort(port int) ClientOption {
	return newClientOptFunc("withPort", func(cfg *ClientConfig) error {
		if cfg == nil {
			return mbus.ErrClientConfigNil
		}

		if port < 1 || port > 65535 {
			return errors.New("port is out of range [1, 65535]")
		}

		cfg.port = port

		return nil
	})
}

// WithResponseTimeout sets the reply timeout for submitted requests.
// A request that receives no response within this duration fails with a
// *mbus.TimeoutError. The timeout should be between 1 millisecond and
// 120 seconds.
func WithResponseTimeout(timeout time.Duration) ClientOption {
	return newClientOptFunc("WithResponseTimeout", func(cfg *ClientConfig) error {
		if cfg == nil {
			return mbus.ErrClientConfigNil
		}

		if timeout < time.Millisecond || timeout > 120*time.Second {
			return errors.New("response timeout out of range [1ms, 120s]")
		}

		cfg.responseTimeout = timeout

		return nil
	})
}

// WithInstanceLabel sets an optional label namespacing the client's logs and
// metrics when one process drives several clients.
func WithInstanceLabel(label string) ClientOption {
	return newClientOptFunc("WithInstanceLabel", func(cfg *ClientConfig) error {
		if cfg == nil {
			return mbus.ErrClientConfigNil
		}

		cfg.instanceLabel = label

		return nil
	})
}

// WithLogger sets the logger instance for the client.
func WithLogger(l logger.Logger) ClientOption {
	return newClientOptFunc("WithLogger", func(cfg *ClientConfig) error {
		if cfg == nil {
			return mbus.ErrClientConfigNil
		}

		if l == nil {
			return errors.New("logger is nil")
		}

		cfg.logger = l

		return nil
	})
}

// WithMetrics sets the metrics sink for the client.
func WithMetrics(m mbus.Metrics) ClientOption {
	return newClientOptFunc("WithMetrics", func(cfg *ClientConfig) error {
		if cfg == nil {
			return mbus.ErrClientConfigNil
		}

		if m == nil {
			return errors.New("metrics sink is nil")
		}

		cfg.metrics = m

		return nil
	})
}

// WithTimerService sets the timer service arming the per-request expiry
// timers.
func WithTimerService(ts mbus.TimerService) ClientOption {
	return newClientOptFunc("WithTimerService", func(cfg *ClientConfig) error {
		if cfg == nil {
			return mbus.ErrClientConfigNil
		}

		if ts == nil {
			return errors.New("timer service is nil")
		}

		cfg.timers = ts

		return nil
	})
}

// WithConnProvider sets the connection provider. When set, the dial-related
// options are ignored.
func WithConnProvider(p mbus.ConnProvider) ClientOption {
	return newClientOptFunc("WithConnProvider", func(cfg *ClientConfig) error {
		if cfg == nil {
			return mbus.ErrClientConfigNil
		}

		if p == nil {
			return errors.New("connection provider is nil")
		}

		cfg.provider = p

		return nil
	})
}

// WithDialTimeout sets the timeout of a single connection attempt made by the
// built-in TCP provider. It should be between 1 and 30 seconds.
func WithDialTimeout(timeout time.Duration) ClientOption {
	return newClientOptFunc("WithDialTimeout", func(cfg *ClientConfig) error {
		if cfg == nil {
			return mbus.ErrClientConfigNil
		}

		if timeout < time.Second || timeout > 30*time.Second {
			return errors.New("dial timeout out of range [1, 30]")
		}

		cfg.providerOpts = append(cfg.providerOpts, ProviderDialTimeout(timeout))

		return nil
	})
}

// WithDialBackoff sets the constant backoff between connection attempts made
// by the built-in TCP provider. It should be between 10 milliseconds and
// 10 seconds.
func WithDialBackoff(backoff time.Duration) ClientOption {
	return newClientOptFunc("WithDialBackoff", func(cfg *ClientConfig) error {
		if cfg == nil {
			return mbus.ErrClientConfigNil
		}

		if backoff < 10*time.Millisecond || backoff > 10*time.Second {
			return errors.New("dial backoff out of range [10ms, 10s]")
		}

		cfg.providerOpts = append(cfg.providerOpts, ProviderDialBackoff(backoff))

		return nil
	})
}

// WithMaxDialRetries sets how many times the built-in TCP provider retries a
// failed connection attempt before failing the acquisition.
func WithMaxDialRetries(retries uint64) ClientOption {
	return newClientOptFunc("WithMaxDialRetries", func(cfg *ClientConfig) error {
		if cfg == nil {
			return mbus.ErrClientConfigNil
		}

		cfg.providerOpts = append(cfg.providerOpts, ProviderMaxDialRetries(retries))

		return nil
	})
}

// WithWriteTimeout sets the write timeout of the built-in TCP provider.
// It should be between 1 and 120 seconds.
func WithWriteTimeout(timeout time.Duration) ClientOption {
	return newClientOptFunc("WithWriteTimeout", func(cfg *ClientConfig) error {
		if cfg == nil {
			return mbus.ErrClientConfigNil
		}

		if timeout < time.Second || timeout > 120*time.Second {
			return errors.New("write timeout out of range [1, 120]")
		}

		cfg.providerOpts = append(cfg.providerOpts, ProviderWriteTimeout(timeout))

		return nil
	})
}

// WithSenderQueueSize sets the size of the built-in TCP provider's sender
// queue, which buffers envelopes before they are written to the remote unit.
//
// This option controls the backpressure level for unsent envelopes. A larger
// queue can accommodate bursts of requests but consumes more memory.
func WithSenderQueueSize(size int) ClientOption {
	return newClientOptFunc("WithSenderQueueSize", func(cfg *ClientConfig) error {
		if cfg == nil {
			return mbus.ErrClientConfigNil
		}

		if size < 1 {
			return errors.New("sender queue size must be positive")
		}

		cfg.providerOpts = append(cfg.providerOpts, ProviderSenderQueueSize(size))

		return nil
	})
}

package mbtcp

import (
	"fmt"

	"github.com/spf13/viper"
)

// LoadClientConfig builds a ClientConfig from a configuration file (any
// format viper understands, selected by the file extension).
//
// Recognized keys: host, port, response_timeout, instance_label,
// dial_timeout, dial_backoff, max_dial_retries, write_timeout,
// sender_queue_size. Durations use Go syntax ("500ms", "3s"). Keys that are
// absent keep their defaults; present keys are validated by the same
// functional options used programmatically.
func LoadClientConfig(path string) (*ClientConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read client config %q: %w", path, err)
	}

	var opts []ClientOption

	if v.IsSet("response_timeout") {
		opts = append(opts, WithResponseTimeout(v.GetDuration("response_timeout")))
	}

	if v.IsSet("instance_label") {
		opts = append(opts, WithInstanceLabel(v.GetString("instance_label")))
	}

	if v.IsSet("dial_timeout") {
		opts = append(opts, WithDialTimeout(v.GetDuration("dial_timeout")))
	}

	if v.IsSet("dial_backoff") {
		opts = append(opts, WithDialBackoff(v.GetDuration("dial_backoff")))
	}

	if v.IsSet("max_dial_retries") {
		opts = append(opts, WithMaxDialRetries(v.GetUint64("max_dial_retries")))
	}

	if v.IsSet("write_timeout") {
		opts = append(opts, WithWriteTimeout(v.GetDuration("write_timeout")))
	}

	if v.IsSet("sender_queue_size") {
		opts = append(opts, WithSenderQueueSize(v.GetInt("sender_queue_size")))
	}

	return NewClientConfig(v.GetString("host"), v.GetInt("port"), opts...)
}

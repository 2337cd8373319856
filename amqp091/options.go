package amqp091

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qmux/amqp091/internal/protocol"
)

// Option configures a ConnectionFactory
type Option func(*config) error

// WithHost sets the broker host
func WithHost(host string) Option {
	return func(cfg *config) error {
		if host == "" {
			return fmt.Errorf("host cannot be empty")
		}
		cfg.host = host
		return nil
	}
}

// WithPort sets the broker port
func WithPort(port int) Option {
	return func(cfg *config) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port: %d", port)
		}
		cfg.port = port
		return nil
	}
}

// WithVHost sets the virtual host
func WithVHost(vhost string) Option {
	return func(cfg *config) error {
		if vhost == "" {
			return fmt.Errorf("vhost cannot be empty")
		}
		cfg.vhost = vhost
		return nil
	}
}

// WithCredentials sets the username and password for PLAIN authentication
func WithCredentials(username, password string) Option {
	return func(cfg *config) error {
		if username == "" {
			return fmt.Errorf("username cannot be empty")
		}
		cfg.username = username
		cfg.password = password
		return nil
	}
}

// WithChannelMax caps the number of channels requested during tune
// negotiation. Zero defers entirely to the broker.
func WithChannelMax(max uint16) Option {
	return func(cfg *config) error {
		cfg.channelMax = max
		return nil
	}
}

// WithFrameMax caps the frame size requested during tune negotiation.
// Zero defers entirely to the broker.
func WithFrameMax(max uint32) Option {
	return func(cfg *config) error {
		if max != 0 && max < protocol.FrameMinSize {
			return fmt.Errorf("frame max %d below protocol minimum %d", max, protocol.FrameMinSize)
		}
		cfg.frameMax = max
		return nil
	}
}

// WithConnectTimeout sets the TCP dial timeout
func WithConnectTimeout(timeout time.Duration) Option {
	return func(cfg *config) error {
		if timeout <= 0 {
			return fmt.Errorf("connect timeout must be positive")
		}
		cfg.connectTimeout = timeout
		return nil
	}
}

// WithCloseTimeout sets how long Close waits for the broker's CloseOk before
// forcing the socket shut.
func WithCloseTimeout(timeout time.Duration) Option {
	return func(cfg *config) error {
		if timeout <= 0 {
			return fmt.Errorf("close timeout must be positive")
		}
		cfg.closeTimeout = timeout
		return nil
	}
}

// WithClientProperties merges extra properties into the client property
// table sent during the handshake.
func WithClientProperties(props Table) Option {
	return func(cfg *config) error {
		cfg.clientProperties = props
		return nil
	}
}

// WithLogger sets the logger used by connections and channels
func WithLogger(logger *logrus.Logger) Option {
	return func(cfg *config) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithMetricsCollector sets the metrics collector
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(cfg *config) error {
		if collector == nil {
			return fmt.Errorf("metrics collector cannot be nil")
		}
		cfg.metrics = collector
		return nil
	}
}

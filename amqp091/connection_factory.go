package amqp091

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Connection defaults
const (
	DefaultHost           = "localhost"
	DefaultPort           = 5672
	DefaultVHost          = "/"
	DefaultUsername       = "guest"
	DefaultPassword       = "guest"
	DefaultConnectTimeout = 30 * time.Second
	DefaultCloseTimeout   = 5 * time.Second

	defaultFrameMax = 131072
)

// config is the resolved connection configuration
type config struct {
	host             string
	port             int
	vhost            string
	username         string
	password         string
	channelMax       uint16
	frameMax         uint32
	connectTimeout   time.Duration
	closeTimeout     time.Duration
	clientProperties Table
	logger           *logrus.Logger
	metrics          MetricsCollector
}

// ConnectionFactory creates connections with a shared configuration
type ConnectionFactory struct {
	config config
}

// NewConnectionFactory creates a factory with defaults applied and the given
// options on top.
func NewConnectionFactory(opts ...Option) (*ConnectionFactory, error) {
	cfg := config{
		host:           DefaultHost,
		port:           DefaultPort,
		vhost:          DefaultVHost,
		username:       DefaultUsername,
		password:       DefaultPassword,
		connectTimeout: DefaultConnectTimeout,
		closeTimeout:   DefaultCloseTimeout,
		logger:         logrus.StandardLogger(),
		metrics:        NopMetricsCollector{},
	}

	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	return &ConnectionFactory{config: cfg}, nil
}

// NewConnection dials the broker, performs the protocol handshake and
// returns an open connection.
func (f *ConnectionFactory) NewConnection() (*Connection, error) {
	c := &Connection{
		config:      f.config,
		callbacks:   newCallbackRegistry(),
		logger:      f.config.logger.WithField("component", "amqp091"),
		metrics:     f.config.metrics,
		closed:      make(chan struct{}),
		dispatchFns: make(chan func(), 64),
		channels:    make(map[uint16]*Channel),
	}
	c.setState(ConnectionConnecting)

	if err := c.open(); err != nil {
		return nil, err
	}

	return c, nil
}

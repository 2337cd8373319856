package amqp091

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector receives counters for notable client events. Collection
// methods are called from the connection's dispatch goroutine and from
// publishing goroutines, so implementations must be safe for concurrent use.
type MetricsCollector interface {
	ConnectionOpened()
	ConnectionClosed()
	ChannelOpened()
	ChannelClosed()
	MessagePublished()
	MessageDelivered()
	MessageReturned()
	ConfirmReceived(ack bool)
	// MethodBlocked counts synchronous methods queued behind an in-flight one
	MethodBlocked()
	// MethodDiscarded counts queued methods dropped when the broker closed
	// the channel before they were sent
	MethodDiscarded()
	UnexpectedFrame()
}

// NopMetricsCollector discards all metrics
type NopMetricsCollector struct{}

func (NopMetricsCollector) ConnectionOpened()        {}
func (NopMetricsCollector) ConnectionClosed()        {}
func (NopMetricsCollector) ChannelOpened()           {}
func (NopMetricsCollector) ChannelClosed()           {}
func (NopMetricsCollector) MessagePublished()        {}
func (NopMetricsCollector) MessageDelivered()        {}
func (NopMetricsCollector) MessageReturned()         {}
func (NopMetricsCollector) ConfirmReceived(ack bool) {}
func (NopMetricsCollector) MethodBlocked()           {}
func (NopMetricsCollector) MethodDiscarded()         {}
func (NopMetricsCollector) UnexpectedFrame()         {}

// StandardMetricsCollector counts events with atomic counters, readable via
// its accessor methods.
type StandardMetricsCollector struct {
	connectionsOpened atomic.Int64
	connectionsClosed atomic.Int64
	channelsOpened    atomic.Int64
	channelsClosed    atomic.Int64
	published         atomic.Int64
	delivered         atomic.Int64
	returned          atomic.Int64
	confirmsAcked     atomic.Int64
	confirmsNacked    atomic.Int64
	methodsBlocked    atomic.Int64
	methodsDiscarded  atomic.Int64
	unexpectedFrames  atomic.Int64
}

// NewStandardMetricsCollector creates an in-memory metrics collector
func NewStandardMetricsCollector() *StandardMetricsCollector {
	return &StandardMetricsCollector{}
}

func (c *StandardMetricsCollector) ConnectionOpened() { c.connectionsOpened.Add(1) }
func (c *StandardMetricsCollector) ConnectionClosed() { c.connectionsClosed.Add(1) }
func (c *StandardMetricsCollector) ChannelOpened()    { c.channelsOpened.Add(1) }
func (c *StandardMetricsCollector) ChannelClosed()    { c.channelsClosed.Add(1) }
func (c *StandardMetricsCollector) MessagePublished() { c.published.Add(1) }
func (c *StandardMetricsCollector) MessageDelivered() { c.delivered.Add(1) }
func (c *StandardMetricsCollector) MessageReturned()  { c.returned.Add(1) }
func (c *StandardMetricsCollector) MethodBlocked()    { c.methodsBlocked.Add(1) }
func (c *StandardMetricsCollector) MethodDiscarded()  { c.methodsDiscarded.Add(1) }
func (c *StandardMetricsCollector) UnexpectedFrame()  { c.unexpectedFrames.Add(1) }

func (c *StandardMetricsCollector) ConfirmReceived(ack bool) {
	if ack {
		c.confirmsAcked.Add(1)
	} else {
		c.confirmsNacked.Add(1)
	}
}

func (c *StandardMetricsCollector) ConnectionsOpened() int64 { return c.connectionsOpened.Load() }
func (c *StandardMetricsCollector) ConnectionsClosed() int64 { return c.connectionsClosed.Load() }
func (c *StandardMetricsCollector) ChannelsOpened() int64    { return c.channelsOpened.Load() }
func (c *StandardMetricsCollector) ChannelsClosed() int64    { return c.channelsClosed.Load() }
func (c *StandardMetricsCollector) MessagesPublished() int64 { return c.published.Load() }
func (c *StandardMetricsCollector) MessagesDelivered() int64 { return c.delivered.Load() }
func (c *StandardMetricsCollector) MessagesReturned() int64  { return c.returned.Load() }
func (c *StandardMetricsCollector) ConfirmsAcked() int64     { return c.confirmsAcked.Load() }
func (c *StandardMetricsCollector) ConfirmsNacked() int64    { return c.confirmsNacked.Load() }
func (c *StandardMetricsCollector) MethodsBlocked() int64    { return c.methodsBlocked.Load() }
func (c *StandardMetricsCollector) MethodsDiscarded() int64  { return c.methodsDiscarded.Load() }
func (c *StandardMetricsCollector) UnexpectedFrames() int64  { return c.unexpectedFrames.Load() }

// PrometheusMetricsCollector exports client events as Prometheus counters
type PrometheusMetricsCollector struct {
	connectionsOpened prometheus.Counter
	connectionsClosed prometheus.Counter
	channelsOpened    prometheus.Counter
	channelsClosed    prometheus.Counter
	published         prometheus.Counter
	delivered         prometheus.Counter
	returned          prometheus.Counter
	confirms          *prometheus.CounterVec
	methodsBlocked    prometheus.Counter
	methodsDiscarded  prometheus.Counter
	unexpectedFrames  prometheus.Counter
}

// NewPrometheusMetricsCollector creates a collector and registers its
// counters with the given registerer.
func NewPrometheusMetricsCollector(reg prometheus.Registerer) *PrometheusMetricsCollector {
	c := &PrometheusMetricsCollector{
		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amqp091", Name: "connections_opened_total",
			Help: "Connections successfully opened.",
		}),
		connectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amqp091", Name: "connections_closed_total",
			Help: "Connections closed for any reason.",
		}),
		channelsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amqp091", Name: "channels_opened_total",
			Help: "Channels that reached the open state.",
		}),
		channelsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amqp091", Name: "channels_closed_total",
			Help: "Channels that reached the closed state.",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amqp091", Name: "messages_published_total",
			Help: "Messages published.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amqp091", Name: "messages_delivered_total",
			Help: "Messages delivered to consumers.",
		}),
		returned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amqp091", Name: "messages_returned_total",
			Help: "Published messages returned as unroutable.",
		}),
		confirms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amqp091", Name: "publisher_confirms_total",
			Help: "Publisher confirms received, by outcome.",
		}, []string{"outcome"}),
		methodsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amqp091", Name: "methods_blocked_total",
			Help: "Synchronous methods queued behind an in-flight one.",
		}),
		methodsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amqp091", Name: "methods_discarded_total",
			Help: "Queued methods dropped because the broker closed the channel.",
		}),
		unexpectedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amqp091", Name: "unexpected_frames_total",
			Help: "Frames received outside any legal protocol position.",
		}),
	}

	reg.MustRegister(
		c.connectionsOpened, c.connectionsClosed,
		c.channelsOpened, c.channelsClosed,
		c.published, c.delivered, c.returned,
		c.confirms,
		c.methodsBlocked, c.methodsDiscarded, c.unexpectedFrames,
	)

	return c
}

func (c *PrometheusMetricsCollector) ConnectionOpened() { c.connectionsOpened.Inc() }
func (c *PrometheusMetricsCollector) ConnectionClosed() { c.connectionsClosed.Inc() }
func (c *PrometheusMetricsCollector) ChannelOpened()    { c.channelsOpened.Inc() }
func (c *PrometheusMetricsCollector) ChannelClosed()    { c.channelsClosed.Inc() }
func (c *PrometheusMetricsCollector) MessagePublished() { c.published.Inc() }
func (c *PrometheusMetricsCollector) MessageDelivered() { c.delivered.Inc() }
func (c *PrometheusMetricsCollector) MessageReturned()  { c.returned.Inc() }
func (c *PrometheusMetricsCollector) MethodBlocked()    { c.methodsBlocked.Inc() }
func (c *PrometheusMetricsCollector) MethodDiscarded()  { c.methodsDiscarded.Inc() }
func (c *PrometheusMetricsCollector) UnexpectedFrame()  { c.unexpectedFrames.Inc() }

func (c *PrometheusMetricsCollector) ConfirmReceived(ack bool) {
	if ack {
		c.confirms.WithLabelValues("ack").Inc()
	} else {
		c.confirms.WithLabelValues("nack").Inc()
	}
}

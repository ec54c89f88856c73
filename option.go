package hypernet

import (
	"time"

	"github.com/vitwit/hypernet/gateway"
	"github.com/vitwit/hypernet/logger"
	"github.com/vitwit/hypernet/metrics"
	"github.com/vitwit/hypernet/storage"
	"github.com/vitwit/hypernet/utils"
)

type Option func(*Core)

func WithLogger(l logger.Logger) Option {
	return func(c *Core) {
		c.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(c *Core) {
		c.metrics = r
	}
}

// WithTimeout bounds every call made through the Core.
func WithTimeout(t time.Duration) Option {
	return func(c *Core) {
		c.timeout = t
	}
}

func WithClock(clock utils.Clock) Option {
	return func(c *Core) {
		c.clock = clock
	}
}

// WithStore persists gateway authorizations in s. The caller keeps
// ownership: Close does not close it.
func WithStore(s storage.Store) Option {
	return func(c *Core) {
		c.store = s
	}
}

// WithProxyFactory replaces the websocket transport to gateway connectors.
func WithProxyFactory(f gateway.ProxyFactory) Option {
	return func(c *Core) {
		c.proxyFactory = f
	}
}

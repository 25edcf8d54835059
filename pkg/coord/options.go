package coord

import (
	"time"

	"github.com/ridgewayio/commcore/pkg/comm"
)

// cfg holds the knobs NewClient accepts, applied via the same
// functional-options pattern pkg/comm uses for Comm.Initialize.
type cfg struct {
	logger            comm.Logger
	requestTimeout    time.Duration
	keepaliveInterval time.Duration
	gracePeriod       time.Duration
	leaseDuration     time.Duration
	retryInterval     time.Duration
}

func defaultCfg() cfg {
	return cfg{
		logger:            comm.NewBasicLogger(comm.LogLevelNone),
		requestTimeout:    10 * time.Second,
		keepaliveInterval: 2 * time.Second,
		gracePeriod:       10 * time.Second,
		leaseDuration:     20 * time.Second,
		retryInterval:     3 * time.Second,
	}
}

// Opt configures NewClient.
type Opt interface {
	apply(*cfg)
}

type optFunc func(*cfg)

func (f optFunc) apply(c *cfg) { f(c) }

// WithLogger installs the Logger the session client logs through.
func WithLogger(l comm.Logger) Opt {
	return optFunc(func(c *cfg) {
		if l != nil {
			c.logger = l
		}
	})
}

// RequestTimeout bounds every non-keepalive request this client issues
// (OPEN, MKDIR, LOCK, ...). Defaults to 10s.
func RequestTimeout(d time.Duration) Opt {
	return optFunc(func(c *cfg) {
		if d > 0 {
			c.requestTimeout = d
		}
	})
}

// KeepaliveInterval sets how often the client sends a keep-alive
// datagram. Defaults to 2s.
func KeepaliveInterval(d time.Duration) Opt {
	return optFunc(func(c *cfg) {
		if d > 0 {
			c.keepaliveInterval = d
		}
	})
}

// GracePeriod is how long without a keep-alive response before the
// session is observed JEOPARDY. Defaults to 10s.
func GracePeriod(d time.Duration) Opt {
	return optFunc(func(c *cfg) {
		if d > 0 {
			c.gracePeriod = d
		}
	})
}

// LeaseDuration is how long without contact before the session is
// declared EXPIRED. Defaults to 20s. Must exceed GracePeriod to give the
// JEOPARDY state room to be observed at all.
func LeaseDuration(d time.Duration) Opt {
	return optFunc(func(c *cfg) {
		if d > 0 {
			c.leaseDuration = d
		}
	})
}

// RetryInterval is the ConnectionManager's reconnect pacing against the
// coordination service. Defaults to 3s.
func RetryInterval(d time.Duration) Opt {
	return optFunc(func(c *cfg) {
		if d > 0 {
			c.retryInterval = d
		}
	})
}

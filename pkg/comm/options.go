package comm

import "time"

// cfg holds every process-wide knob Initialize accepts. It is built up by
// applying Opt values over a set of defaults.
type cfg struct {
	reactorCount      int
	appQueueWorkers   int
	logger            Logger
	connectTimeout    time.Duration
	defaultReqTimeout time.Duration
	tcpSendBufBytes   int
	tcpRecvBufBytes   int
}

func defaultCfg() cfg {
	return cfg{
		reactorCount:      4,
		appQueueWorkers:   8,
		logger:            nopLogger{},
		connectTimeout:    20 * time.Second,
		defaultReqTimeout: 30 * time.Second,
		tcpSendBufBytes:   0,
		tcpRecvBufBytes:   0,
	}
}

// Opt configures Initialize. Each Opt mutates the in-progress cfg.
type Opt interface {
	apply(*cfg)
}

type optFunc func(*cfg)

func (f optFunc) apply(c *cfg) { f(c) }

// ReactorCount sets the number of worker reactors handling connection I/O.
// The dedicated timer reactor is always separate and is not counted here.
// Defaults to 4.
func ReactorCount(n int) Opt {
	return optFunc(func(c *cfg) {
		if n > 0 {
			c.reactorCount = n
		}
	})
}

// WithLogger installs the Logger every component in the comm package logs
// through. Defaults to a logger that discards everything.
func WithLogger(l Logger) Opt {
	return optFunc(func(c *cfg) {
		if l != nil {
			c.logger = l
		}
	})
}

// ConnectTimeout bounds how long an outbound TCP connect attempt may take
// before it is reported as ErrCodeConnectTimeout. Defaults to 20s.
func ConnectTimeout(d time.Duration) Opt {
	return optFunc(func(c *cfg) {
		if d > 0 {
			c.connectTimeout = d
		}
	})
}

// DefaultRequestTimeout configures the timeout exposed through
// Comm.DefaultRequestTimeout for clients that want a shared non-zero
// default without hardcoding one. SendRequest itself treats a zero
// timeout as "no timeout". Defaults to 30s.
func DefaultRequestTimeout(d time.Duration) Opt {
	return optFunc(func(c *cfg) {
		if d > 0 {
			c.defaultReqTimeout = d
		}
	})
}

// AppQueueWorkers sets the fixed worker pool size backing the application
// queue that inbound REQUEST frames are dispatched through. Defaults to 8.
func AppQueueWorkers(n int) Opt {
	return optFunc(func(c *cfg) {
		if n > 0 {
			c.appQueueWorkers = n
		}
	})
}

// TCPBufferSizes sets the kernel socket send/receive buffer size hints
// applied to every TCP connection this process owns. Zero leaves the
// platform default in place.
func TCPBufferSizes(sendBytes, recvBytes int) Opt {
	return optFunc(func(c *cfg) {
		c.tcpSendBufBytes = sendBytes
		c.tcpRecvBufBytes = recvBytes
	})
}

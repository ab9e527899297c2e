package engine

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/michaelscutari/avdug/internal/abort"
	"github.com/michaelscutari/avdug/internal/outcome"
	"github.com/michaelscutari/avdug/internal/protocol"
)

const (
	MaxConnectAttempts = 20
	MaxScanAttempts    = 60
	MaxReconnects      = 250

	DefaultRetryInterval = time.Second
)

// sendTimeout bounds the wait for the socket to accept a request.
const sendTimeout = 2 * time.Second

var (
	errResponseTimeout = errors.New("timed out waiting for response")
	errSendTimeout     = errors.New("timed out waiting to send request")
)

// State is the wrapper's view of the connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateAborted:
		return "aborted"
	default:
		return "disconnected"
	}
}

// Wrapper sends scan requests over a Connection, reconnecting on failure.
// Every wait also watches the abort monitors so an interrupt is noticed
// without waiting out a timeout. Not safe for concurrent use.
type Wrapper struct {
	conn     Connection
	monitors *abort.Set

	retryInterval      time.Duration
	responseTimeout    time.Duration
	maxConnectAttempts int
	maxScanAttempts    int
	maxReconnects      int

	state      State
	reconnects int
	warned     bool
}

// Option configures a Wrapper.
type Option func(*Wrapper)

// WithRetryInterval sets the pause between connection attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(w *Wrapper) { w.retryInterval = d }
}

// WithResponseTimeout bounds the wait for a response. Zero waits forever.
func WithResponseTimeout(d time.Duration) Option {
	return func(w *Wrapper) { w.responseTimeout = d }
}

// WithMaxScanAttempts overrides the per-request attempt budget.
func WithMaxScanAttempts(n int) Option {
	return func(w *Wrapper) { w.maxScanAttempts = n }
}

// NewWrapper connects conn, retrying up to MaxConnectAttempts times. Running
// out of attempts is not an error: the first Scan retries. Only an abort
// during the attempts is returned.
func NewWrapper(conn Connection, monitors *abort.Set, opts ...Option) (*Wrapper, error) {
	w := &Wrapper{
		conn:               conn,
		monitors:           monitors,
		retryInterval:      DefaultRetryInterval,
		maxConnectAttempts: MaxConnectAttempts,
		maxScanAttempts:    MaxScanAttempts,
		maxReconnects:      MaxReconnects,
	}
	for _, opt := range opts {
		opt(w)
	}

	w.state = StateConnecting
	for attempt := 1; attempt <= w.maxConnectAttempts; attempt++ {
		if err := w.monitors.Check(); err != nil {
			w.state = StateAborted
			return nil, err
		}
		err := w.conn.Connect()
		if err == nil {
			w.state = StateConnected
			log.WithFields(log.Fields{"attempt": attempt}).Debug("Connected to scanning engine")
			return w, nil
		}
		log.WithFields(log.Fields{"attempt": attempt, "error": err}).Debug("Failed to connect to scanning engine")
		if attempt < w.maxConnectAttempts {
			if err := w.sleep(); err != nil {
				return nil, err
			}
		}
	}

	log.WithFields(log.Fields{"attempts": w.maxConnectAttempts}).Warn("Reached total maximum number of connection attempts")
	w.state = StateDisconnected
	return w, nil
}

// State reports the current connection state.
func (w *Wrapper) State() State {
	return w.state
}

// Reconnects reports reconnect attempts since the last successful exchange.
func (w *Wrapper) Reconnects() int {
	return w.reconnects
}

// Close drops the connection.
func (w *Wrapper) Close() error {
	w.state = StateDisconnected
	return w.conn.Close()
}

// Scan performs one request/response exchange, retrying up to the attempt
// budget. Exhausting the attempts yields a response carrying only an error
// message. Exhausting the lifetime reconnect budget aborts the scan.
func (w *Wrapper) Scan(req *protocol.ScanRequest) (*protocol.ScanResponse, error) {
	for attempt := 0; attempt < w.maxScanAttempts; attempt++ {
		if w.reconnects >= w.maxReconnects {
			w.state = StateAborted
			log.WithFields(log.Fields{"reconnects": w.reconnects}).Error("Too many reconnection attempts")
			return nil, outcome.NewAbort(outcome.ReconnectionsExhausted, "too many reconnection attempts", nil)
		}
		if err := w.monitors.Check(); err != nil {
			w.state = StateAborted
			return nil, err
		}

		resp, err := w.exchange(req)
		if err == nil {
			if w.reconnects > 0 {
				log.WithFields(log.Fields{"attempts": w.reconnects}).Info("Reconnected to scanning engine")
			}
			w.reconnects = 0
			w.warned = false
			w.state = StateConnected
			return resp, nil
		}
		if outcome.IsControlFlow(err) {
			w.state = StateAborted
			return nil, err
		}

		if !w.warned {
			log.WithFields(log.Fields{"path": req.Path, "error": err}).Warn("Lost connection to scanning engine, reconnecting")
			w.warned = true
		}
		if attempt == w.maxScanAttempts-1 {
			break
		}
		if err := w.sleep(); err != nil {
			return nil, err
		}
		w.state = StateReconnecting
		if err := w.conn.Connect(); err != nil {
			log.WithFields(log.Fields{"error": err, "reconnects": w.reconnects + 1}).Debug("Failed to reconnect to scanning engine")
		} else {
			w.state = StateConnected
		}
		w.reconnects++
	}

	return &protocol.ScanResponse{
		ErrorMsg: fmt.Sprintf("Failed to scan %s after %d retries", req.Path, w.maxScanAttempts),
	}, nil
}

func (w *Wrapper) exchange(req *protocol.ScanRequest) (*protocol.ScanResponse, error) {
	fd := w.conn.Fd()
	if fd < 0 {
		return nil, &ExchangeError{Op: "send", Err: errNotConnected}
	}
	writable, err := w.waitFor(fd, unix.POLLOUT, sendTimeout, "sending")
	if err != nil {
		return nil, err
	}
	if !writable {
		return nil, &ExchangeError{Op: "send", Err: errSendTimeout}
	}
	if err := w.conn.Send(req); err != nil {
		return nil, &ExchangeError{Op: "send", Err: err}
	}

	timeout := w.responseTimeout
	if timeout <= 0 {
		timeout = -1
	}
	// Every read of the response waits on the socket and the monitors, so
	// an engine that stalls mid-frame can still be interrupted.
	readable := func() error {
		ready, err := w.wait(fd, timeout, "waiting")
		if err != nil {
			return err
		}
		if !ready {
			return errResponseTimeout
		}
		return nil
	}
	resp, err := w.conn.Receive(readable)
	if err != nil {
		if outcome.IsControlFlow(err) {
			return nil, err
		}
		return nil, &ExchangeError{Op: "receive", Err: err}
	}
	return resp, nil
}

func (w *Wrapper) sleep() error {
	timeout := w.retryInterval
	if timeout < 0 {
		timeout = 0
	}
	_, err := w.wait(-1, timeout, "sleeping")
	return err
}

// wait blocks until fd is readable, timeout passes or an abort monitor
// fires. fd < 0 turns it into an interruptible sleep; a negative timeout
// waits forever.
func (w *Wrapper) wait(fd int, timeout time.Duration, op string) (bool, error) {
	return w.waitFor(fd, unix.POLLIN, timeout, op)
}

// waitFor is wait for an arbitrary poll event on fd.
func (w *Wrapper) waitFor(fd int, events int16, timeout time.Duration, op string) (bool, error) {
	watched := w.monitors.Watched()
	fds := make([]unix.PollFd, 0, len(watched)+1)
	for _, m := range watched {
		fds = append(fds, unix.PollFd{Fd: int32(m.Fd), Events: unix.POLLIN})
	}
	connIdx := -1
	if fd >= 0 {
		connIdx = len(fds)
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		ms := -1
		if timeout >= 0 {
			ms = int(time.Until(deadline) / time.Millisecond)
			if ms < 0 {
				ms = 0
			}
		}
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			log.WithFields(log.Fields{"error": err}).Error("Error while " + op)
			return false, outcome.NewAbort(outcome.GenericFailure, "error while "+op, err)
		}
		for i, m := range watched {
			if fds[i].Revents != 0 {
				w.state = StateAborted
				log.WithFields(log.Fields{"error": m.Err}).Warn("Abort requested while " + op)
				return false, m.Err
			}
		}
		if n == 0 {
			return false, nil
		}
		if connIdx >= 0 && fds[connIdx].Revents != 0 {
			return true, nil
		}
	}
}

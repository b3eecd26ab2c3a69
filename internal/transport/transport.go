// Package transport moves opaque byte frames between pipeline stages over
// ZeroMQ PUB/SUB sockets. It is oblivious to frame content: encoding and
// decoding belong to the wire package.
//
// Delivery is best-effort. A publisher whose outbound queue is full drops
// the frame instead of blocking, and subscribers that connect shortly
// after a bind may miss early frames (the slow-joiner condition); callers
// that care apply a settling delay before the first publish.
package transport

import (
	"fmt"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
)

// Default socket queue capacities, matching the upstream detector feeds.
const (
	DefaultHighWaterMark = 1000

	reconnectInterval    = 100 * time.Millisecond
	reconnectIntervalMax = 5 * time.Second
)

// TransportError reports a failure to construct a channel (bind, connect,
// socket setup). Construction failures are fatal to the owning stage;
// per-frame send/receive outcomes are never reported as TransportError.
type TransportError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Publisher is the send side of a stage channel. It is owned by a single
// goroutine; zmq sockets are not safe for concurrent use.
type Publisher struct {
	sock     *zmq4.Socket
	endpoint string
}

// PublisherOptions tune the outbound socket.
type PublisherOptions struct {
	// HighWaterMark bounds the outbound queue; publishes beyond it are
	// dropped. Zero means DefaultHighWaterMark.
	HighWaterMark int
}

// NewPublisher binds a PUB socket to the given endpoint.
func NewPublisher(endpoint string, opts PublisherOptions) (*Publisher, error) {
	hwm := opts.HighWaterMark
	if hwm <= 0 {
		hwm = DefaultHighWaterMark
	}
	sock, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, &TransportError{Op: "create publisher", Endpoint: endpoint, Err: err}
	}
	if err := sock.SetSndhwm(hwm); err != nil {
		_ = sock.Close()
		return nil, &TransportError{Op: "set sndhwm", Endpoint: endpoint, Err: err}
	}
	// Drop unsent frames on close instead of lingering.
	if err := sock.SetLinger(0); err != nil {
		_ = sock.Close()
		return nil, &TransportError{Op: "set linger", Endpoint: endpoint, Err: err}
	}
	if err := sock.Bind(endpoint); err != nil {
		_ = sock.Close()
		return nil, &TransportError{Op: "bind", Endpoint: endpoint, Err: err}
	}
	return &Publisher{sock: sock, endpoint: endpoint}, nil
}

// Publish attempts a non-blocking send. dropped is true when the outbound
// queue is at capacity (or no peer is connected); that is a steady-state
// outcome, not an error. err is reserved for unexpected socket faults.
func (p *Publisher) Publish(frame []byte) (dropped bool, err error) {
	_, err = p.sock.SendBytes(frame, zmq4.DONTWAIT)
	if err != nil {
		if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// Endpoint returns the bound endpoint. When the publisher was bound to a
// wildcard port the resolved address is returned.
func (p *Publisher) Endpoint() string {
	if last, err := p.sock.GetLastEndpoint(); err == nil && last != "" {
		return last
	}
	return p.endpoint
}

// Close releases the socket. Pending unsent frames are discarded.
func (p *Publisher) Close() error {
	return p.sock.Close()
}

// Subscriber is the receive side of a stage channel. Like Publisher it is
// owned by a single goroutine.
type Subscriber struct {
	sock     *zmq4.Socket
	endpoint string
	timeout  time.Duration
}

// NewSubscriber connects a SUB socket to a publisher endpoint. The
// publisher does not need to exist yet: the socket keeps retrying the
// connection with a bounded backoff until it succeeds or the subscriber
// is closed. All frames on the channel are received (no filtering).
func NewSubscriber(endpoint string, timeout time.Duration) (*Subscriber, error) {
	sock, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return nil, &TransportError{Op: "create subscriber", Endpoint: endpoint, Err: err}
	}
	setup := func(op string, e error) (*Subscriber, error) {
		_ = sock.Close()
		return nil, &TransportError{Op: op, Endpoint: endpoint, Err: e}
	}
	if err := sock.SetRcvhwm(DefaultHighWaterMark); err != nil {
		return setup("set rcvhwm", err)
	}
	if err := sock.SetSubscribe(""); err != nil {
		return setup("subscribe", err)
	}
	if err := sock.SetRcvtimeo(receiveTimeout(timeout)); err != nil {
		return setup("set rcvtimeo", err)
	}
	if err := sock.SetReconnectIvl(reconnectInterval); err != nil {
		return setup("set reconnect interval", err)
	}
	if err := sock.SetReconnectIvlMax(reconnectIntervalMax); err != nil {
		return setup("set reconnect interval max", err)
	}
	if err := sock.Connect(endpoint); err != nil {
		return setup("connect", err)
	}
	return &Subscriber{sock: sock, endpoint: endpoint, timeout: timeout}, nil
}

// Receive blocks for up to the configured timeout. A timeout is reported
// as ok=false with a nil error; it is the suspension point stage loops
// use to stay responsive to cancellation.
func (s *Subscriber) Receive() (frame []byte, ok bool, err error) {
	frame, err = s.sock.RecvBytes(0)
	if err != nil {
		errno := zmq4.AsErrno(err)
		if errno == zmq4.Errno(syscall.EAGAIN) || errno == zmq4.Errno(syscall.EINTR) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return frame, true, nil
}

// SetTimeout reconfigures the receive timeout for subsequent Receive
// calls without reconnecting. A non-positive duration blocks forever.
func (s *Subscriber) SetTimeout(timeout time.Duration) error {
	if err := s.sock.SetRcvtimeo(receiveTimeout(timeout)); err != nil {
		return err
	}
	s.timeout = timeout
	return nil
}

// Timeout returns the currently configured receive timeout.
func (s *Subscriber) Timeout() time.Duration { return s.timeout }

// Close releases the socket. Closing one subscriber never affects the
// publisher or other subscribers on the same endpoint.
func (s *Subscriber) Close() error {
	return s.sock.Close()
}

func receiveTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return -1
	}
	return d
}

// Package transport owns the line-oriented command channel to a motion
// controller. Every command goes through one worker goroutine, so replies
// always pair with the command that caused them.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/multierr"

	"github.com/cjeanneret/pvtgo/internal/debug"
)

var (
	// ErrRejected is a REJ reply: the controller refused the command.
	ErrRejected = errors.New("command rejected by controller")
	// ErrClosed is returned for commands sent on, or pending at, Close.
	ErrClosed = errors.New("transport closed")
	// ErrTimeout means no reply arrived in time.
	ErrTimeout = errors.New("timed out waiting for reply")

	errUnexpected = errors.New("unexpected reply")
)

// DefaultTimeout bounds the wait for one reply.
const DefaultTimeout = 500 * time.Millisecond

// ReplyError is an ERR reply.
type ReplyError struct {
	Cmd string
	Msg string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("controller error on %q: %s", e.Cmd, e.Msg)
}

type request struct {
	cmds  []string
	reply chan []result
}

type result struct {
	payload string
	err     error
}

// Channel is one connection to a controller.
type Channel struct {
	port    io.ReadWriteCloser
	log     *debug.Logger
	timeout time.Duration

	reqs    chan request
	lines   chan string
	readErr chan error
	quit    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Channel.
type Option func(*Channel)

// WithTimeout sets the reply timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Channel) { c.timeout = d }
}

// WithLogger sets the logger. Commands and replies are traced.
func WithLogger(l *debug.Logger) Option {
	return func(c *Channel) { c.log = l }
}

// Open opens the serial port at path.
func Open(path string, opts PortOptions, options ...Option) (*Channel, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", path, err)
	}
	return New(port, options...), nil
}

// Ports lists the serial ports present on the host.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}

// New starts a channel over port. The channel owns port and closes it.
func New(port io.ReadWriteCloser, opts ...Option) *Channel {
	c := &Channel{
		port:    port,
		timeout: DefaultTimeout,
		reqs:    make(chan request),
		lines:   make(chan string, 16),
		readErr: make(chan error, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.read()
	go c.work()
	return c
}

// Do sends cmd and returns the reply payload.
func (c *Channel) Do(cmd string) (string, error) {
	payloads, err := c.Exchange(cmd)
	if err != nil {
		return "", err
	}
	return payloads[0], nil
}

// Exchange sends cmds back to back, with no other command in between, and
// returns their payloads. It stops at the first failing command.
func (c *Channel) Exchange(cmds ...string) ([]string, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	reply := make(chan []result, 1)
	select {
	case c.reqs <- request{cmds: cmds, reply: reply}:
	case <-c.quit:
		return nil, ErrClosed
	}
	results := <-reply
	payloads := make([]string, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			return payloads, r.err
		}
		payloads = append(payloads, r.payload)
	}
	return payloads, nil
}

// Close stops the worker and closes the port. Pending commands fail with
// ErrClosed.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
		err := c.port.Close()
		<-c.done
		select {
		case rerr := <-c.readErr:
			if rerr != nil && !errors.Is(rerr, io.EOF) && !errors.Is(rerr, io.ErrClosedPipe) {
				err = multierr.Append(err, fmt.Errorf("reading: %w", rerr))
			}
		default:
		}
		c.closeErr = err
	})
	return c.closeErr
}

func (c *Channel) read() {
	sc := bufio.NewScanner(c.port)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case c.lines <- line:
		case <-c.quit:
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	c.readErr <- err
}

func (c *Channel) work() {
	defer close(c.done)
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	var broken error
	for {
		select {
		case <-c.quit:
			return
		case req := <-c.reqs:
			results := make([]result, 0, len(req.cmds))
			for _, cmd := range req.cmds {
				if broken != nil {
					results = append(results, result{err: broken})
					break
				}
				r := c.roundTrip(cmd, timer)
				if r.err != nil && isLinkError(r.err) {
					broken = r.err
				}
				results = append(results, r)
				if r.err != nil {
					break
				}
			}
			req.reply <- results
		}
	}
}

func (c *Channel) roundTrip(cmd string, timer *time.Timer) result {
	c.discardStale()
	if _, err := io.WriteString(c.port, cmd+"\n"); err != nil {
		return result{err: fmt.Errorf("writing %q: %w", cmd, err)}
	}

	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(c.timeout)

	select {
	case line := <-c.lines:
		c.log.Command(cmd, line)
		return parse(cmd, line)
	case err := <-c.readErr:
		c.readErr <- err
		return result{err: fmt.Errorf("reading reply to %q: %w", cmd, err)}
	case <-timer.C:
		c.log.Live("no reply to %q after %v", cmd, c.timeout)
		return result{err: fmt.Errorf("%q: %w", cmd, ErrTimeout)}
	case <-c.quit:
		return result{err: ErrClosed}
	}
}

// discardStale drops replies that arrived after their command timed out.
func (c *Channel) discardStale() {
	for {
		select {
		case line := <-c.lines:
			c.log.Live("discarding stale reply %q", line)
		default:
			return
		}
	}
}

// isLinkError reports errors after which the channel is unusable.
func isLinkError(err error) bool {
	var re *ReplyError
	return !errors.As(err, &re) &&
		!errors.Is(err, ErrRejected) &&
		!errors.Is(err, ErrTimeout) &&
		!errors.Is(err, errUnexpected)
}

func parse(cmd, line string) result {
	code, payload, _ := strings.Cut(line, " ")
	payload = strings.TrimSpace(payload)
	switch code {
	case "OK":
		return result{payload: payload}
	case "ERR":
		return result{err: &ReplyError{Cmd: cmd, Msg: payload}}
	case "REJ":
		return result{err: fmt.Errorf("%q: %w: %s", cmd, ErrRejected, payload)}
	}
	return result{err: fmt.Errorf("%w %q to %q", errUnexpected, line, cmd)}
}

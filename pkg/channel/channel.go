// Package channel implements the duplex control stream that links the
// supervisor with a worker process.
//
// A channel pair is a connected Unix socketpair. The supervisor keeps one end
// as a *Channel and hands the other end to the child as an inherited file
// descriptor. Messages are newline framed text; delivery is FIFO per
// endpoint.
package channel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// MessageQuit asks a worker to exit voluntarily.
	MessageQuit = "QUIT"

	// MessageReady is an optional worker announcement sent once the worker
	// has opened its channel.
	MessageReady = "READY"

	// ChildFD is the descriptor number the child half is mapped to in the
	// worker process (first entry of exec.Cmd.ExtraFiles).
	ChildFD = 3

	// EnvFD names the environment variable carrying the child descriptor.
	EnvFD = "PROCVISOR_CHANNEL_FD"
)

var (
	// ErrClosed is returned once the peer (or this end) has closed.
	ErrClosed = errors.New("channel closed")

	// ErrInvalidMessage is returned for messages that cannot be framed.
	ErrInvalidMessage = errors.New("invalid message")
)

// Channel is one endpoint of a connected pair.
type Channel struct {
	conn   *net.UnixConn
	reader *bufio.Reader

	rmu sync.Mutex
	wmu sync.Mutex

	sendTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewPair creates a connected pair. The parent end is returned as a Channel;
// the child end is returned as a file suitable for exec.Cmd.ExtraFiles. The
// caller owns the child file and must close it once the child has started.
func NewPair() (*Channel, *os.File, error) {
	// no fork may inherit the pair before both ends are close-on-exec
	syscall.ForkLock.RLock()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}

	parent, err := FromFile(os.NewFile(uintptr(fds[0]), "procvisor-parent"))
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}

	return parent, os.NewFile(uintptr(fds[1]), "procvisor-child"), nil
}

// FromFile wraps an open socket file. The file is consumed: it is closed
// after its descriptor has been duplicated into the channel.
func FromFile(f *os.File) (*Channel, error) {
	defer f.Close()

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("open channel %s: %w", f.Name(), err)
	}

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("open channel %s: not a unix socket", f.Name())
	}

	return &Channel{
		conn:   uc,
		reader: bufio.NewReader(uc),
	}, nil
}

// FromFD opens the channel inherited on the given descriptor.
func FromFD(fd int) (*Channel, error) {
	f := os.NewFile(uintptr(fd), "procvisor-channel")
	if f == nil {
		return nil, fmt.Errorf("invalid channel descriptor %d", fd)
	}
	return FromFile(f)
}

// FromEnv opens the channel announced in EnvFD.
func FromEnv() (*Channel, error) {
	raw := os.Getenv(EnvFD)
	if raw == "" {
		return nil, fmt.Errorf("%s is not set; process was not started by a supervisor", EnvFD)
	}

	fd, err := strconv.Atoi(raw)
	if err != nil || fd < 0 {
		return nil, fmt.Errorf("invalid %s value %q", EnvFD, raw)
	}

	return FromFD(fd)
}

// SetSendTimeout bounds every subsequent Send. Zero disables the bound.
func (c *Channel) SetSendTimeout(d time.Duration) {
	c.wmu.Lock()
	c.sendTimeout = d
	c.wmu.Unlock()
}

// Send writes one message to the peer.
func (c *Channel) Send(msg string) error {
	if strings.ContainsAny(msg, "\r\n") {
		return fmt.Errorf("send %q: %w", msg, ErrInvalidMessage)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	var deadline time.Time
	if c.sendTimeout > 0 {
		deadline = time.Now().Add(c.sendTimeout)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("send %q: %w", msg, classify(err))
	}

	if _, err := io.WriteString(c.conn, msg+"\n"); err != nil {
		return fmt.Errorf("send %q: %w", msg, classify(err))
	}
	return nil
}

// Receive blocks until the next message arrives. It returns an error
// wrapping ErrClosed once the peer has closed its end.
func (c *Channel) Receive() (string, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	line, err := c.reader.ReadString('\n')
	if err != nil {
		// a trailing partial frame means the peer died mid-write
		return "", fmt.Errorf("receive: %w", classify(err))
	}

	return strings.TrimSuffix(line, "\n"), nil
}

// Close releases the endpoint. Safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// classify folds the ways a dead peer surfaces into ErrClosed.
func classify(err error) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	default:
		return err
	}
}

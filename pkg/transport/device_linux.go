//go:build linux

package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const (
	pollInterval = 100 * time.Millisecond
	writeTimeout = time.Second
)

// deviceChannel is a character device carrying framed packets, such as the
// garmin_gps driver's tty in raw mode. Both pipes read from the same stream.
type deviceChannel struct {
	fd     int
	path   string
	closed atomic.Bool

	readMu  sync.Mutex
	writeMu sync.Mutex
	frames  *frameReader
}

func openDevice(path string, baud int) (Channel, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	if err := makeRaw(fd, baud); err != nil {
		return nil, fmt.Errorf("configure %s: %w", path, err)
	}

	c := &deviceChannel{fd: fd, path: path}
	c.frames = newFrameReader(pollReader{c})
	ok = true
	return c, nil
}

// makeRaw switches a tty to raw 8N1. Non-tty devices are left alone.
func makeRaw(fd int, baud int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		if errors.Is(err, unix.ENOTTY) || errors.Is(err, unix.EINVAL) {
			return nil
		}
		return err
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if baud > 0 {
		spd, err := baudToUnix(baud)
		if err != nil {
			return err
		}
		t.Cflag &^= unix.CBAUD
		t.Cflag |= spd
		t.Ispeed = spd
		t.Ospeed = spd
	}

	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}

func baudToUnix(baud int) (uint32, error) {
	switch baud {
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	default:
		return 0, fmt.Errorf("unsupported baud %d", baud)
	}
}

func (c *deviceChannel) ReadControl(buf []byte) (int, error) {
	return c.readPacket(buf)
}

func (c *deviceChannel) ReadBulk(buf []byte) (int, error) {
	return c.readPacket(buf)
}

func (c *deviceChannel) readPacket(buf []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if c.closed.Load() {
		return 0, ErrClosed
	}
	return c.frames.next(buf)
}

// wait polls fd for events in pollInterval slices until ready, the channel
// closes or the deadline (if non-zero) passes.
func (c *deviceChannel) wait(events int16, deadline time.Time) error {
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: events}}
	for {
		if c.closed.Load() {
			return ErrClosed
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("%w: %s not ready before deadline", ErrIO, c.path)
		}
		n, err := unix.Poll(fds, int(pollInterval/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return fmt.Errorf("%w: poll %s revents=0x%x", ErrIO, c.path, fds[0].Revents)
		}
		if fds[0].Revents&events != 0 {
			return nil
		}
		if fds[0].Revents&unix.POLLHUP != 0 {
			return fmt.Errorf("%w: %s hung up", ErrIO, c.path)
		}
	}
}

func (c *deviceChannel) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	written := 0
	for written < len(p) {
		if err := c.wait(unix.POLLOUT, deadline); err != nil {
			return written, err
		}
		n, err := unix.Write(c.fd, p[written:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return written, err
		}
		written += n
	}
	return written, nil
}

// Close stops pending reads within one poll interval, then releases the fd.
func (c *deviceChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return unix.Close(c.fd)
}

// pollReader adapts the non-blocking fd to io.Reader for the frame reader.
type pollReader struct {
	c *deviceChannel
}

func (r pollReader) Read(p []byte) (int, error) {
	for {
		if err := r.c.wait(unix.POLLIN, time.Time{}); err != nil {
			return 0, err
		}
		n, err := unix.Read(r.c.fd, p)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("%w: %s: end of stream", ErrIO, r.c.path)
		}
		return n, nil
	}
}

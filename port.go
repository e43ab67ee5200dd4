package serial

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Port is a raw, line-discipline-free Linux serial port.
// Reads are bounded by Config.ReadTimeout; reads and writes may run concurrently.
type Port struct {
	fd        int
	file      *os.File
	timeout   time.Duration
	closeOnce sync.Once
	closeErr  error
}

var _ Stream = (*Port)(nil)

// OpenPort opens cfg.Device for raw 8N1 operation at cfg.BaudRate.
func OpenPort(cfg Config) (*Port, error) {
	cfg = cfg.withDefaults()
	fd, err := syscall.Open(cfg.Device, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0666)
	if err != nil {
		return nil, fmt.Errorf("open failed: %w", err)
	}
	if err := configureRaw(fd, cfg.BaudRate); err != nil {
		syscall.Close(fd)
		return nil, err
	}
	// Turn back into blocking mode now that config is done
	if err := syscall.SetNonblock(fd, false); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("set blocking: %w", err)
	}
	return &Port{
		fd:      fd,
		file:    os.NewFile(uintptr(fd), cfg.Device),
		timeout: cfg.ReadTimeout,
	}, nil
}

func configureRaw(fd, baudRate int) error {
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	// Raw mode
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL

	baud := baudToUnix(baudRate)
	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baud

	// VMIN=1, VTIME=0: read returns as soon as one byte is there; poll bounds the wait
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

// Read waits up to the read timeout for input, then reads what is available into p.
// It returns 0, nil when the timeout elapses with no input.
func (p *Port) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	pfd := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, pollMillis(p.timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	if pfd[0].Revents&unix.POLLIN == 0 {
		if pfd[0].Revents&unix.POLLNVAL != 0 {
			return 0, os.ErrClosed
		}
		return 0, fmt.Errorf("poll revents %#x: %w", pfd[0].Revents, unix.EIO)
	}
	return p.file.Read(b)
}

// Buffered returns the number of bytes waiting in the input queue.
func (p *Port) Buffered() (int, error) {
	n, err := unix.IoctlGetInt(p.fd, unix.TIOCINQ)
	if err != nil {
		return 0, fmt.Errorf("TIOCINQ: %w", err)
	}
	return n, nil
}

func (p *Port) Write(b []byte) (int, error) {
	return p.file.Write(b)
}

// Flush discards both pending input and unsent output.
func (p *Port) Flush() error {
	if err := unix.IoctlSetInt(p.fd, unix.TCFLSH, unix.TCIOFLUSH); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Close closes the port. Safe to call multiple times; subsequent calls are no-ops.
func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.file.Close()
	})
	return p.closeErr
}

func pollMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	return int(ms)
}

func baudToUnix(baud int) uint32 {
	switch baud {
	case 9600:
		return unix.B9600
	case 19200:
		return unix.B19200
	case 38400:
		return unix.B38400
	case 57600:
		return unix.B57600
	case 115200:
		return unix.B115200
	case 230400:
		return unix.B230400
	default:
		return unix.B115200 // fallback
	}
}

// Package transport implements the line-oriented byte streams the protocol
// engine speaks over: a serial connection to real firmware, and a TCP
// connection for networked or simulated printers.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/samofly/serial"
)

// Failure is the closed set of transport-level failure kinds, kept distinct
// so callers can tell transport death from a transient empty read.
type Failure string

const (
	ConnectFailed    Failure = "ConnectFailed"
	DisconnectFailed Failure = "DisconnectFailed"
	CannotRead       Failure = "CannotRead"
	CannotWrite      Failure = "CannotWrite"
	EndOfFile        Failure = "EndOfFile"
)

// Error wraps a Failure with the underlying cause.
type Error struct {
	Kind Failure
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Transport is a blocking-with-timeout, line-oriented byte stream.
type Transport interface {
	// Connect opens the underlying device/socket.
	Connect() error
	// Disconnect tears the connection down. Best effort.
	Disconnect() error
	// ReadLine blocks for up to ~250ms and returns one line if available,
	// or an empty string if the window elapsed with nothing to read.
	ReadLine() (string, error)
	// Write sends raw bytes.
	Write(p []byte) (int, error)
	// Reset toggles a hardware reset line, where supported.
	Reset() error
	// UsesChecksum reports whether the engine should frame outgoing lines
	// with N<lineno>/checksum.
	UsesChecksum() bool
	// CanListen reports whether the underlying handle is currently open for
	// reading.
	CanListen() bool
}

// ErrPrinterDeviceNotFound is returned when no known tty device is present.
var ErrPrinterDeviceNotFound = errors.New("printer device is not found; is it plugged in?")

// FindTTYDev scans the handful of device names real printers show up as on
// a typical Linux host. The list is deliberately short: these devices and
// low unit numbers are what actually appears in practice.
func FindTTYDev() (string, error) {
	for _, dev := range []string{
		"/dev/ttyACM0", "/dev/ttyACM1", "/dev/ttyACM2",
		"/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyUSB2",
	} {
		if _, err := os.Stat(dev); err == nil {
			return dev, nil
		}
	}
	return "", ErrPrinterDeviceNotFound
}

// Serial is a Transport backed by a real (or emulated) serial device.
type Serial struct {
	Dev  string
	Baud int

	conn   io.ReadWriteCloser
	reader *bufio.Reader
}

func NewSerial(dev string, baud int) *Serial {
	return &Serial{Dev: dev, Baud: baud}
}

func (s *Serial) Connect() error {
	conn, err := serial.Open(s.Dev, s.Baud)
	if err != nil {
		return &Error{Kind: ConnectFailed, Err: err}
	}
	s.conn = conn
	s.reader = bufio.NewReader(conn)
	return nil
}

func (s *Serial) Disconnect() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return &Error{Kind: DisconnectFailed, Err: err}
	}
	return nil
}

// ReadLine reads one line from the device. The ~250ms read window is the
// underlying driver's read timeout; we don't re-implement it here since
// github.com/samofly/serial already opens the port with a short timeout.
func (s *Serial) ReadLine() (string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			if line != "" {
				return line, nil
			}
			return "", &Error{Kind: EndOfFile, Err: err}
		}
		return "", &Error{Kind: CannotRead, Err: err}
	}
	return line, nil
}

func (s *Serial) Write(p []byte) (int, error) {
	n, err := s.conn.Write(p)
	if err != nil {
		return n, &Error{Kind: CannotWrite, Err: err}
	}
	return n, nil
}

// Reset pulses a hardware reset line. github.com/samofly/serial does not
// expose DTR control, so this degrades to a best-effort close/reopen of the
// device rather than a true DTR toggle.
func (s *Serial) Reset() error {
	if s.conn == nil {
		return nil
	}
	_ = s.Disconnect()
	time.Sleep(100 * time.Millisecond)
	return s.Connect()
}

func (s *Serial) UsesChecksum() bool { return true }

// CanListen is true iff the device handle is open.
func (s *Serial) CanListen() bool { return s.conn != nil }

// TCP is a Transport over a plain stream socket, used for networked
// printers and for the virtual/simulated driver in tests.
type TCP struct {
	Addr string

	conn   net.Conn
	reader *bufio.Reader
}

func NewTCP(addr string) *TCP {
	return &TCP{Addr: addr}
}

func (t *TCP) Connect() error {
	conn, err := net.DialTimeout("tcp", t.Addr, 5*time.Second)
	if err != nil {
		return &Error{Kind: ConnectFailed, Err: err}
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	t.conn = conn
	t.reader = bufio.NewReader(conn)
	return nil
}

func (t *TCP) Disconnect() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	if err != nil {
		return &Error{Kind: DisconnectFailed, Err: err}
	}
	return nil
}

func (t *TCP) ReadLine() (string, error) {
	t.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
	line, err := t.reader.ReadString('\n')
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return "", nil
		}
		if err == io.EOF {
			return "", &Error{Kind: EndOfFile, Err: err}
		}
		return "", &Error{Kind: CannotRead, Err: err}
	}
	return line, nil
}

func (t *TCP) Write(p []byte) (int, error) {
	n, err := t.conn.Write(p)
	if err != nil {
		return n, &Error{Kind: CannotWrite, Err: err}
	}
	return n, nil
}

// Reset is a no-op over TCP: there is no hardware line to pulse.
func (t *TCP) Reset() error { return nil }

func (t *TCP) UsesChecksum() bool { return false }

// CanListen is true iff the socket is open.
func (t *TCP) CanListen() bool { return t.conn != nil }

// Package socket opens the listening ports: TCP of the HTTP servers and
// the shared UDP port of the media connections.
package socket

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

const (
	rollAttempts  = 42
	udpBufferSize = 16 * 1024 * 1024
)

var ErrNoPorts = errors.New("no free ports")

// ListenUDP opens the port with big buffers. With roll set a busy port
// is skipped for one of the next ones.
func ListenUDP(port int, roll bool) (*net.UDPConn, error) {
	conn, err := listen(port)
	if err == nil || !roll || !IsPortBusy(err) {
		return conn, err
	}
	for p := port + 1; p < port+rollAttempts; p++ {
		if conn, err = listen(p); err == nil {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("%w after %v", ErrNoPorts, port)
}

// ListenTCP listens on the host:port address, rolling over busy ports like ListenUDP.
func ListenTCP(address string, roll bool) (net.Listener, error) {
	ls, err := net.Listen("tcp", address)
	if err == nil || !roll || !IsPortBusy(err) {
		return ls, err
	}
	host, p, serr := net.SplitHostPort(address)
	if serr != nil {
		return nil, err
	}
	port, serr := strconv.Atoi(p)
	if serr != nil {
		return nil, err
	}
	for i := port + 1; i < port+rollAttempts; i++ {
		if ls, err = net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(i))); err == nil {
			return ls, nil
		}
	}
	return nil, fmt.Errorf("%w after %v", ErrNoPorts, address)
}

// Port is the TCP or UDP port of the address, 0 for other ones.
func Port(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.Port
	case *net.UDPAddr:
		return a.Port
	}
	return 0
}

func listen(port int) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadBuffer(udpBufferSize)
	_ = conn.SetWriteBuffer(udpBufferSize)
	return conn, nil
}

// IsPortBusy tells if the listen error is "address already in use".
func IsPortBusy(err error) bool {
	var sysErr *os.SyscallError
	if !errors.As(err, &sysErr) {
		return false
	}
	var errno syscall.Errno
	if !errors.As(sysErr, &errno) {
		return false
	}
	const wsaeaddrinuse = 10048
	return errno == syscall.EADDRINUSE || (runtime.GOOS == "windows" && errno == wsaeaddrinuse)
}

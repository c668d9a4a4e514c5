package tftp

import (
	"errors"
	"net"
	"time"
)

// ErrTimedOut is the sentinel a Transport implementation should wrap (or
// return directly) from RecvFrom when the deadline elapses without a
// datagram arriving, so the engine can distinguish it from other I/O
// failures per spec.md §6.
var ErrTimedOut = errors.New("tftp: transport receive timed out")

// Transport is the datagram endpoint the transfer engine consumes. It makes
// no assumption about threading model: a blocking implementation (the one
// this package provides) is sufficient, since a goroutine parked in
// RecvFrom already yields its OS thread.
type Transport interface {
	// SendTo sends b as a single datagram to addr.
	SendTo(b []byte, addr net.Addr) error

	// RecvFrom waits up to deadline for a single datagram, returning the
	// number of bytes read and the sender's address. On timeout, the
	// returned error must satisfy errors.Is(err, ErrTimedOut) or be a
	// net.Error with Timeout() true.
	RecvFrom(b []byte, deadline time.Duration) (n int, addr net.Addr, err error)
}

// udpTransport is the production Transport: a single UDP socket bound to
// an ephemeral local port, using ListenPacket/SetReadDeadline and OpError's
// Timeout() to distinguish a receive timeout from a real socket failure.
type udpTransport struct {
	conn net.PacketConn
}

// NewUDPTransport binds a UDP socket on laddr (use ":0" for a system-chosen
// ephemeral port) for use as the client side of a transfer.
func NewUDPTransport(laddr string) (*udpTransport, error) {
	conn, err := net.ListenPacket("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &udpTransport{conn: conn}, nil
}

// Close releases the underlying socket.
func (t *udpTransport) Close() error {
	return t.conn.Close()
}

// SendTo implements Transport.
func (t *udpTransport) SendTo(b []byte, addr net.Addr) error {
	_, err := t.conn.WriteTo(b, addr)
	return err
}

// RecvFrom implements Transport. The read deadline it arms is cleared again
// before it returns, so the socket is left without a deadline between
// calls; Close is responsible for tearing the socket down entirely.
func (t *udpTransport) RecvFrom(b []byte, deadline time.Duration) (int, net.Addr, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		return 0, nil, err
	}
	defer t.conn.SetReadDeadline(time.Time{})
	n, addr, err := t.conn.ReadFrom(b)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, nil, ErrTimedOut
		}
		return 0, nil, err
	}
	return n, addr, nil
}

// isTimeout reports whether err represents a receive-deadline expiry,
// recognizing both the package's own sentinel and any net.Error a
// caller-supplied Transport implementation surfaces directly.
func isTimeout(err error) bool {
	if errors.Is(err, ErrTimedOut) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// sameTID reports whether peer matches the locked transfer endpoint: same
// IP and same port. Falls back to string comparison for net.Addr
// implementations that aren't *net.UDPAddr.
func sameTID(locked, peer net.Addr) bool {
	lu, lok := locked.(*net.UDPAddr)
	pu, pok := peer.(*net.UDPAddr)
	if lok && pok {
		return lu.IP.Equal(pu.IP) && lu.Port == pu.Port
	}
	return locked.String() == peer.String()
}

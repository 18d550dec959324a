package transport

import (
	"fmt"
	"log"
	"net"
	"time"
)

// maxDatagramSize is the largest single read the UDP adapter attempts;
// generously larger than protocol.MaxPacketBytes so a legitimate packet
// is never truncated.
const maxDatagramSize = 8192

// UDP is a non-blocking NetAdapter backed by a single net.UDPConn,
// constructed per call rather than held in a package-level variable so
// multiple sessions can each own an independent socket.
type UDP struct {
	conn *net.UDPConn
}

// NewUDP opens a UDP socket bound to localAddr (host:port, or ":0" for
// an ephemeral port).
func NewUDP(localAddr string) (*UDP, error) {
	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", localAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", localAddr, err)
	}
	if err := conn.SetReadBuffer(1 << 20); err != nil {
		log.Printf("[transport] SetReadBuffer: %v", err)
	}
	return &UDP{conn: conn}, nil
}

// LocalAddr returns the bound local address.
func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// Close releases the socket.
func (u *UDP) Close() error { return u.conn.Close() }

// SendData is best-effort: failures are logged and dropped. The
// retransmit window in package message recovers from loss.
func (u *UDP) SendData(addr Address, data []byte) {
	udpAddr, err := net.ResolveUDPAddr("udp", string(addr))
	if err != nil {
		log.Printf("[transport] resolve %s: %v", addr, err)
		return
	}
	if _, err := u.conn.WriteToUDP(data, udpAddr); err != nil {
		log.Printf("[transport] send to %s: %v", addr, err)
	}
}

// ReceiveData drains every datagram currently queued on the socket
// without blocking past a tiny deadline, returning all of them at
// once.
func (u *UDP) ReceiveData() []Packet {
	var out []Packet
	buf := make([]byte, maxDatagramSize)
	for {
		if err := u.conn.SetReadDeadline(time.Now()); err != nil {
			break
		}
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			break
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		out = append(out, Packet{Addr: Address(from.String()), Data: data})
	}
	return out
}

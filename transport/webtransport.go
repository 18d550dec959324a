package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"sync"

	"github.com/quic-go/webtransport-go"
)

// WebTransportSession wraps a single WebTransport session as a
// NetAdapter. It models a non-blocking, best-effort, unordered
// datagram contract over SendDatagram/ReceiveDatagram on a
// *webtransport.Session — GameInput packets are exactly the kind of
// small, loss-tolerant datagram that API is built for.
//
// Unlike the UDP adapter, a WebTransportSession only has one peer (the
// remote end of the session), so Address is ignored on Send and every
// ReceiveData result reports the same fixed peer address.
type WebTransportSession struct {
	session *webtransport.Session
	peer    Address

	mu     sync.Mutex
	cancel context.CancelFunc
}

// DialWebTransport opens a WebTransport session to url and wraps it as
// a NetAdapter addressed to peerAddr (a label, not a real DNS/IP —
// WebTransport already resolved the connection).
func DialWebTransport(ctx context.Context, url string, tlsConf *tls.Config, peerAddr Address) (*WebTransportSession, error) {
	var d webtransport.Dialer
	if tlsConf != nil {
		d.TLSClientConf = tlsConf
	}
	_, sess, err := d.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: webtransport dial %s: %w", url, err)
	}
	return &WebTransportSession{session: sess, peer: peerAddr}, nil
}

// WrapWebTransportSession adapts an already-established server-side
// session (e.g. accepted from an http.Handler) to a NetAdapter.
func WrapWebTransportSession(sess *webtransport.Session, peerAddr Address) *WebTransportSession {
	return &WebTransportSession{session: sess, peer: peerAddr}
}

// SendData ignores addr (a session has exactly one peer) and sends a
// best-effort datagram, logging and dropping on failure exactly like
// the UDP adapter.
func (w *WebTransportSession) SendData(_ Address, data []byte) {
	if err := w.session.SendDatagram(data); err != nil {
		log.Printf("[transport] webtransport send: %v", err)
	}
}

// ReceiveData polls for at most one already-buffered datagram per
// call — webtransport-go has no non-blocking "drain all" primitive.
// Session polling (NetworkPoll and UpdateSession) calls ReceiveData
// once per poll, so this adapter delivers at most one datagram per
// poll; any others stay queued for later polls.
func (w *WebTransportSession) ReceiveData() []Packet {
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // non-blocking: never wait past packets already queued
	data, err := w.session.ReceiveDatagram(ctx)
	if err != nil {
		return nil
	}
	return []Packet{{Addr: w.peer, Data: data}}
}

// Close tears down the session.
func (w *WebTransportSession) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
	return w.session.CloseWithError(0, "closing")
}

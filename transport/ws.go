package transport

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketBootstrap is an alternate, reliable out-of-band channel used
// only to rendezvous the initial SyncRequest handshake — a late joiner
// needs *some* reliable channel to exist before the unreliable game
// datagrams start flowing.
//
// It satisfies NetAdapter so the handshake bootstrap can reuse the same
// message-system code path as the primary UDP/WebTransport adapter.
// SendData forwards every packet it is given and does not filter by
// packet type: installed with Session.SetNetAdapter, it carries all of
// the session's traffic, Inputs/SpectatorInputs included.
type WebSocketBootstrap struct {
	mu   sync.Mutex
	conn *websocket.Conn
	peer Address
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// AcceptWebSocketBootstrap upgrades an incoming HTTP request to a
// websocket connection, the same call shape as server.go's /ws handler.
func AcceptWebSocketBootstrap(w http.ResponseWriter, r *http.Request, peer Address) (*WebSocketBootstrap, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &WebSocketBootstrap{conn: conn, peer: peer}, nil
}

// DialWebSocketBootstrap connects to a signaling server's websocket
// endpoint.
func DialWebSocketBootstrap(url string, peer Address) (*WebSocketBootstrap, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return &WebSocketBootstrap{conn: conn, peer: peer}, nil
}

// SendData writes one binary message, best-effort.
func (b *WebSocketBootstrap) SendData(_ Address, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		log.Printf("[transport] websocket send: %v", err)
	}
}

// ReceiveData performs one non-blocking read attempt.
func (b *WebSocketBootstrap) ReceiveData() []Packet {
	if err := b.conn.SetReadDeadline(time.Now()); err != nil {
		return nil
	}
	_, data, err := b.conn.ReadMessage()
	if err != nil {
		return nil
	}
	return []Packet{{Addr: b.peer, Data: data}}
}

// Close closes the underlying connection.
func (b *WebSocketBootstrap) Close() error { return b.conn.Close() }

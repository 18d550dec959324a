package transport

import "sync"

// Pipe is an in-memory NetAdapter pair, used by tests. The Stress
// session variant does not use it; it runs with no net adapter at all.
type Pipe struct {
	mu   sync.Mutex
	self Address
	peer Address
	in   []Packet
	out  *Pipe
}

// NewPipePair creates two Pipes wired to each other, addressed "a" and
// "b".
func NewPipePair() (a, b *Pipe) {
	a = &Pipe{self: Address("a"), peer: Address("b")}
	b = &Pipe{self: Address("b"), peer: Address("a")}
	a.out = b
	b.out = a
	return a, b
}

// SendData delivers data directly into the paired Pipe's inbox.
func (p *Pipe) SendData(_ Address, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	p.out.mu.Lock()
	p.out.in = append(p.out.in, Packet{Addr: p.self, Data: cp})
	p.out.mu.Unlock()
}

// ReceiveData drains everything delivered since the last call.
func (p *Pipe) ReceiveData() []Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.in
	p.in = nil
	return out
}

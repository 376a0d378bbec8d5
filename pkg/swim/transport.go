package swim

import (
	"context"
	"net"

	"github.com/dbcore/mergeswim/pkg/xerrors"
)

// Inbound is one received datagram, handed to the engine's event loop.
type Inbound struct {
	Data []byte
	From string
}

// Transport is the datagram I/O boundary SWIM runs over (spec.md §6:
// "addresses are always IPv4; no DNS resolution; no UNIX domain
// sockets"). UDPTransport is the production implementation;
// MemTransport lets tests wire several engines together in-process
// with a simulated clock, with no real sockets involved.
type Transport interface {
	LocalAddr() string
	SendTo(addr string, data []byte) error
	Recv() <-chan Inbound
	Close() error
}

// UDPTransport sends and receives SWIM packets over a real UDP
// socket, grounded on the teacher pack's receiveLoop shape (bind,
// spawn a reader goroutine, deliver decoded datagrams on a channel).
type UDPTransport struct {
	conn   *net.UDPConn
	local  string
	inbox  chan Inbound
	cancel context.CancelFunc
}

// NewUDPTransport binds bindAddr (host:port, IPv4) and starts reading.
func NewUDPTransport(bindAddr string) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp4", bindAddr)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.InvalidConfig, "resolve bind address", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.InvalidConfig, "bind udp socket", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		conn:   conn,
		local:  conn.LocalAddr().String(),
		inbox:  make(chan Inbound, 64),
		cancel: cancel,
	}
	go t.readLoop(ctx)
	return t, nil
}

func (t *UDPTransport) readLoop(ctx context.Context) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case t.inbox <- Inbound{Data: data, From: from.String()}:
		case <-ctx.Done():
			return
		}
	}
}

func (t *UDPTransport) LocalAddr() string { return t.local }

func (t *UDPTransport) SendTo(addr string, data []byte) error {
	dst, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return xerrors.Wrap(xerrors.IllegalParams, "resolve destination address", err)
	}
	_, err = t.conn.WriteToUDP(data, dst)
	return err
}

func (t *UDPTransport) Recv() <-chan Inbound { return t.inbox }

func (t *UDPTransport) Close() error {
	t.cancel()
	return t.conn.Close()
}

// MemTransport is an in-memory Transport backed by a shared registry
// of peers keyed by address, for deterministic single-process tests
// (spec.md §9: inject everything time-related and I/O-related for
// scenarios 2-6). Delivery is synchronous and unbuffered-safe: SendTo
// never blocks the caller past a bounded channel send.
type MemTransport struct {
	addr     string
	inbox    chan Inbound
	registry *MemRegistry
	closed   bool
}

// MemRegistry is the shared address book MemTransport instances
// deliver through, standing in for the network in tests.
type MemRegistry struct {
	peers map[string]*MemTransport
}

// NewMemRegistry creates an empty registry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{peers: make(map[string]*MemTransport)}
}

// NewTransport creates and registers a MemTransport at addr.
func (r *MemRegistry) NewTransport(addr string) *MemTransport {
	t := &MemTransport{addr: addr, inbox: make(chan Inbound, 256), registry: r}
	r.peers[addr] = t
	return t
}

// Partition removes addr from the registry so sends to/from it are
// dropped, simulating a blocked link (spec.md §8 scenario 4).
func (r *MemRegistry) Partition(addr string) {
	delete(r.peers, addr)
}

// Restore re-adds a previously partitioned transport.
func (r *MemRegistry) Restore(t *MemTransport) {
	r.peers[t.addr] = t
}

func (t *MemTransport) LocalAddr() string { return t.addr }

func (t *MemTransport) SendTo(addr string, data []byte) error {
	if t.closed {
		return xerrors.New(xerrors.IllegalParams, "transport closed")
	}
	if _, ok := t.registry.peers[t.addr]; !ok {
		// We have been partitioned out; our own sends vanish too.
		return nil
	}
	dst, ok := t.registry.peers[addr]
	if !ok {
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case dst.inbox <- Inbound{Data: cp, From: t.addr}:
	default:
	}
	return nil
}

func (t *MemTransport) Recv() <-chan Inbound { return t.inbox }

func (t *MemTransport) Close() error {
	t.closed = true
	delete(t.registry.peers, t.addr)
	return nil
}

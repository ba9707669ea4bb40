package capsanet

import (
	"net"
	"sync"
	"time"

	"github.com/google/gopacket/layers"
)

// udpIdleTimeout evicts bindings with no traffic in either direction.
const udpIdleTimeout = 120 * time.Second

type udpKey struct {
	guestIP   [4]byte
	guestPort uint16
	dstIP     [4]byte
	dstPort   uint16
}

// udpBinding pairs one guest 5-tuple with one connected host UDP socket.
// A reader task turns host datagrams back into guest frames.
type udpBinding struct {
	nat  *udpNAT
	key  udpKey
	conn *net.UDPConn

	guestMAC  net.HardwareAddr
	guestIP   net.IP
	guestPort uint16
	dstIP     net.IP
	dstPort   uint16

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
}

type udpNAT struct {
	stack *Stack

	mu       sync.Mutex
	bindings map[udpKey]*udpBinding
}

func newUDPNAT(s *Stack) *udpNAT {
	return &udpNAT{stack: s, bindings: make(map[udpKey]*udpBinding)}
}

func (n *udpNAT) handle(eth *layers.Ethernet, ip *layers.IPv4, udp *layers.UDP) {
	var key udpKey
	copy(key.guestIP[:], ip.SrcIP.To4())
	copy(key.dstIP[:], ip.DstIP.To4())
	key.guestPort = uint16(udp.SrcPort)
	key.dstPort = uint16(udp.DstPort)

	n.mu.Lock()
	b := n.bindings[key]
	n.mu.Unlock()

	if b == nil {
		if n.stack.policy.Evaluate(ProtoUDP, ip.DstIP, uint16(udp.DstPort)) == ActionDeny {
			return
		}
		var err error
		b, err = n.open(key, eth, ip, udp)
		if err != nil {
			n.stack.log.WithError(err).Debug("udp binding failed")
			return
		}
	}
	b.touch()
	if _, err := b.conn.Write(udp.Payload); err != nil {
		n.stack.log.WithError(err).Debug("udp host write failed")
	}
}

func (n *udpNAT) open(key udpKey, eth *layers.Ethernet, ip *layers.IPv4, udp *layers.UDP) (*udpBinding, error) {
	raddr := &net.UDPAddr{IP: append(net.IP(nil), ip.DstIP.To4()...), Port: int(udp.DstPort)}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, err
	}
	b := &udpBinding{
		nat:          n,
		key:          key,
		conn:         conn,
		guestMAC:     append(net.HardwareAddr(nil), eth.SrcMAC...),
		guestIP:      append(net.IP(nil), ip.SrcIP.To4()...),
		guestPort:    uint16(udp.SrcPort),
		dstIP:        raddr.IP,
		dstPort:      uint16(udp.DstPort),
		lastActivity: time.Now(),
	}
	n.mu.Lock()
	n.bindings[key] = b
	n.mu.Unlock()

	go b.readLoop()
	return b, nil
}

func (b *udpBinding) touch() {
	b.mu.Lock()
	b.lastActivity = time.Now()
	b.mu.Unlock()
}

func (b *udpBinding) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, err := b.conn.Read(buf)
		if err != nil {
			return
		}
		b.touch()
		b.nat.stack.sendUDP(b.guestMAC, b.dstIP, b.guestIP, b.dstPort, b.guestPort, buf[:n])
	}
}

func (b *udpBinding) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.conn.Close()
}

func (n *udpNAT) tick(now time.Time) {
	n.mu.Lock()
	var idle []*udpBinding
	for key, b := range n.bindings {
		b.mu.Lock()
		if now.Sub(b.lastActivity) > udpIdleTimeout {
			idle = append(idle, b)
			delete(n.bindings, key)
		}
		b.mu.Unlock()
	}
	n.mu.Unlock()
	for _, b := range idle {
		b.close()
	}
}

func (n *udpNAT) closeAll() {
	n.mu.Lock()
	bindings := make([]*udpBinding, 0, len(n.bindings))
	for _, b := range n.bindings {
		bindings = append(bindings, b)
	}
	n.bindings = make(map[udpKey]*udpBinding)
	n.mu.Unlock()
	for _, b := range bindings {
		b.close()
	}
}

package capsanet

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/sys/unix"
)

const (
	// icmpIdleTimeout evicts echo bindings with no traffic.
	icmpIdleTimeout = 30 * time.Second

	// icmpMaxPerGuest caps echo sockets per guest IP to bound fd usage.
	icmpMaxPerGuest = 64
)

type icmpKey struct {
	guestIP [4]byte
	id      uint16
}

// icmpBinding pairs one (guest, identifier) with one unprivileged ICMP
// datagram socket. Replies are routed back by identifier.
type icmpBinding struct {
	nat *icmpNAT
	key icmpKey
	f   *os.File

	guestMAC net.HardwareAddr
	guestIP  net.IP

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
}

type icmpNAT struct {
	stack *Stack

	mu       sync.Mutex
	bindings map[icmpKey]*icmpBinding
	perGuest map[[4]byte]int
}

func newICMPNAT(s *Stack) *icmpNAT {
	return &icmpNAT{
		stack:    s,
		bindings: make(map[icmpKey]*icmpBinding),
		perGuest: make(map[[4]byte]int),
	}
}

func (n *icmpNAT) handle(eth *layers.Ethernet, ip *layers.IPv4, icmp *layers.ICMPv4, pkt gopacket.Packet) {
	if icmp.TypeCode.Type() != layers.ICMPv4TypeEchoRequest {
		return
	}

	// Echo to the gateway is answered in place.
	if ip.DstIP.Equal(n.stack.conf.Gateway) {
		n.sendEchoReply(eth.SrcMAC, ip.SrcIP, icmp.Id, icmp.Seq, icmp.Payload)
		return
	}

	if n.stack.policy.Evaluate(ProtoICMP, ip.DstIP, 0) == ActionDeny {
		return
	}

	var key icmpKey
	copy(key.guestIP[:], ip.SrcIP.To4())
	key.id = icmp.Id

	n.mu.Lock()
	b := n.bindings[key]
	if b == nil {
		if n.perGuest[key.guestIP] >= icmpMaxPerGuest {
			n.mu.Unlock()
			n.stack.log.WithField("guest", ip.SrcIP).Debug("icmp binding cap reached")
			return
		}
		var err error
		b, err = n.open(key, eth, ip)
		if err != nil {
			n.mu.Unlock()
			n.stack.log.WithError(err).Debug("icmp socket failed")
			return
		}
		n.bindings[key] = b
		n.perGuest[key.guestIP]++
	}
	n.mu.Unlock()

	b.touch()
	b.send(ip.DstIP, icmp.Seq, icmp.Payload)
}

// open creates an unprivileged ICMP datagram socket. The kernel rewrites
// the echo identifier, so replies read back on this socket belong to this
// binding by construction.
func (n *icmpNAT) open(key icmpKey, eth *layers.Ethernet, ip *layers.IPv4) (*icmpBinding, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.IPPROTO_ICMP)
	if err != nil {
		return nil, os.NewSyscallError("icmp socket", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("set nonblock", err)
	}
	b := &icmpBinding{
		nat:          n,
		key:          key,
		f:            os.NewFile(uintptr(fd), "icmp-nat"),
		guestMAC:     append(net.HardwareAddr(nil), eth.SrcMAC...),
		guestIP:      append(net.IP(nil), ip.SrcIP.To4()...),
		lastActivity: time.Now(),
	}
	go b.readLoop()
	return b, nil
}

func (b *icmpBinding) send(dst net.IP, seq uint16, payload []byte) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true}
	echo := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       b.key.id,
		Seq:      seq,
	}
	if err := gopacket.SerializeLayers(buf, opts, echo, gopacket.Payload(payload)); err != nil {
		return
	}
	var sa unix.SockaddrInet4
	copy(sa.Addr[:], dst.To4())
	_ = unix.Sendto(int(b.f.Fd()), buf.Bytes(), 0, &sa)
}

func (b *icmpBinding) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, err := b.f.Read(buf)
		if err != nil {
			return
		}
		b.touch()
		b.relayReply(buf[:n])
	}
}

// relayReply parses a datagram read from the ICMP socket and forwards the
// echo reply to the guest with its original identifier.
func (b *icmpBinding) relayReply(data []byte) {
	// Some kernels include the IP header on ICMP dgram sockets; strip it.
	if len(data) >= 20 && data[0]>>4 == 4 {
		ihl := int(data[0]&0x0f) * 4
		if len(data) > ihl {
			data = data[ihl:]
		}
	}
	pkt := gopacket.NewPacket(data, layers.LayerTypeICMPv4, gopacket.NoCopy)
	icmpLayer := pkt.Layer(layers.LayerTypeICMPv4)
	if icmpLayer == nil {
		return
	}
	reply := icmpLayer.(*layers.ICMPv4)
	if reply.TypeCode.Type() != layers.ICMPv4TypeEchoReply {
		return
	}

	eth := &layers.Ethernet{
		SrcMAC:       GatewayMAC,
		DstMAC:       b.guestMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    b.nat.stack.conf.Gateway,
		DstIP:    b.guestIP,
	}
	out := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       b.key.id,
		Seq:      reply.Seq,
	}
	b.nat.stack.writeLayers(eth, ip, out, gopacket.Payload(reply.Payload))
}

func (n *icmpNAT) sendEchoReply(dstMAC net.HardwareAddr, dstIP net.IP, id, seq uint16, payload []byte) {
	eth := &layers.Ethernet{
		SrcMAC:       GatewayMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    n.stack.conf.Gateway,
		DstIP:    dstIP,
	}
	reply := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       id,
		Seq:      seq,
	}
	n.stack.writeLayers(eth, ip, reply, gopacket.Payload(payload))
}

func (b *icmpBinding) touch() {
	b.mu.Lock()
	b.lastActivity = time.Now()
	b.mu.Unlock()
}

func (b *icmpBinding) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.f.Close()
}

func (n *icmpNAT) tick(now time.Time) {
	n.mu.Lock()
	var idle []*icmpBinding
	for key, b := range n.bindings {
		b.mu.Lock()
		if now.Sub(b.lastActivity) > icmpIdleTimeout {
			idle = append(idle, b)
			delete(n.bindings, key)
			n.perGuest[key.guestIP]--
		}
		b.mu.Unlock()
	}
	n.mu.Unlock()
	for _, b := range idle {
		b.close()
	}
}

func (n *icmpNAT) closeAll() {
	n.mu.Lock()
	bindings := make([]*icmpBinding, 0, len(n.bindings))
	for _, b := range n.bindings {
		bindings = append(bindings, b)
	}
	n.bindings = make(map[icmpKey]*icmpBinding)
	n.perGuest = make(map[[4]byte]int)
	n.mu.Unlock()
	for _, b := range bindings {
		b.close()
	}
}

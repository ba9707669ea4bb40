package capsanet

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

// guestSim drives the guest side of the link from a test: it writes frames
// into the peer half of the socket pair and reads the stack's replies.
type guestSim struct {
	t    *testing.T
	peer *os.File
	mac  net.HardwareAddr
	ip   net.IP
}

func newTestStack(t *testing.T, cfg Config) (*Stack, *guestSim) {
	t.Helper()
	fio, peer, err := NewSocketPair()
	if err != nil {
		t.Fatalf("NewSocketPair: %v", err)
	}
	s, err := New(cfg, fio)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		peer.Close()
	})
	return s, &guestSim{
		t:    t,
		peer: peer,
		mac:  net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
		ip:   net.IPv4(10, 0, 2, 15).To4(),
	}
}

func (g *guestSim) send(l ...gopacket.SerializableLayer) {
	g.t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, l...); err != nil {
		g.t.Fatalf("serialize: %v", err)
	}
	if _, err := g.peer.Write(buf.Bytes()); err != nil {
		g.t.Fatalf("write frame: %v", err)
	}
}

// read returns the next frame from the stack, or nil on timeout.
func (g *guestSim) read(timeout time.Duration) gopacket.Packet {
	g.t.Helper()
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, 65536)
		n, err := g.peer.Read(buf)
		ch <- result{data: buf[:n], err: err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil
		}
		return gopacket.NewPacket(r.data, layers.LayerTypeEthernet, gopacket.Default)
	case <-time.After(timeout):
		return nil
	}
}

func (g *guestSim) eth(ethType layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       g.mac,
		DstMAC:       GatewayMAC,
		EthernetType: ethType,
	}
}

func (g *guestSim) ipv4(dst net.IP, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    g.ip,
		DstIP:    dst,
	}
}

func TestStack_AnswersGatewayARP(t *testing.T) {
	_, g := newTestStack(t, Config{Subnet: "10.0.2.0/24"})

	g.send(
		&layers.Ethernet{
			SrcMAC:       g.mac,
			DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
			EthernetType: layers.EthernetTypeARP,
		},
		&layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   g.mac,
			SourceProtAddress: g.ip,
			DstHwAddress:      make([]byte, 6),
			DstProtAddress:    net.IPv4(10, 0, 2, 2).To4(),
		},
	)

	pkt := g.read(2 * time.Second)
	if pkt == nil {
		t.Fatal("no ARP reply")
	}
	arpLayer := pkt.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		t.Fatalf("reply is not ARP: %v", pkt)
	}
	reply := arpLayer.(*layers.ARP)
	if reply.Operation != layers.ARPReply {
		t.Errorf("operation = %d, want reply", reply.Operation)
	}
	if !bytes.Equal(reply.SourceHwAddress, GatewayMAC) {
		t.Errorf("source MAC = %x, want gateway MAC", reply.SourceHwAddress)
	}
	if !net.IP(reply.SourceProtAddress).Equal(net.IPv4(10, 0, 2, 2)) {
		t.Errorf("source IP = %v, want 10.0.2.2", net.IP(reply.SourceProtAddress))
	}
}

func TestStack_AnswersGatewayPing(t *testing.T) {
	_, g := newTestStack(t, Config{Subnet: "10.0.2.0/24"})

	payload := []byte("ping payload")
	g.send(
		g.eth(layers.EthernetTypeIPv4),
		g.ipv4(net.IPv4(10, 0, 2, 2), layers.IPProtocolICMPv4),
		&layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
			Id:       0x77,
			Seq:      3,
		},
		gopacket.Payload(payload),
	)

	pkt := g.read(2 * time.Second)
	if pkt == nil {
		t.Fatal("no echo reply")
	}
	icmpLayer := pkt.Layer(layers.LayerTypeICMPv4)
	if icmpLayer == nil {
		t.Fatalf("reply is not ICMP: %v", pkt)
	}
	reply := icmpLayer.(*layers.ICMPv4)
	if reply.TypeCode.Type() != layers.ICMPv4TypeEchoReply {
		t.Errorf("type = %v, want echo reply", reply.TypeCode)
	}
	if reply.Id != 0x77 || reply.Seq != 3 {
		t.Errorf("id/seq = %d/%d, want 0x77/3", reply.Id, reply.Seq)
	}
	if !bytes.Equal(reply.Payload, payload) {
		t.Errorf("payload = %q, want %q", reply.Payload, payload)
	}
}

func TestStack_DHCPOffer(t *testing.T) {
	_, g := newTestStack(t, Config{Subnet: "10.0.2.0/24"})

	discover, err := dhcpv4.New(
		dhcpv4.WithHwAddr(g.mac),
		dhcpv4.WithMessageType(dhcpv4.MessageTypeDiscover),
	)
	if err != nil {
		t.Fatalf("build discover: %v", err)
	}

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4zero,
		DstIP:    net.IPv4bcast,
	}
	udp := &layers.UDP{SrcPort: 68, DstPort: 67}
	udp.SetNetworkLayerForChecksum(ip)
	g.send(
		&layers.Ethernet{
			SrcMAC:       g.mac,
			DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
			EthernetType: layers.EthernetTypeIPv4,
		},
		ip,
		udp,
		gopacket.Payload(discover.ToBytes()),
	)

	pkt := g.read(2 * time.Second)
	if pkt == nil {
		t.Fatal("no DHCP offer")
	}
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		t.Fatalf("reply is not UDP: %v", pkt)
	}
	offer, err := dhcpv4.FromBytes(udpLayer.(*layers.UDP).Payload)
	if err != nil {
		t.Fatalf("parse offer: %v", err)
	}
	if offer.MessageType() != dhcpv4.MessageTypeOffer {
		t.Errorf("message type = %v, want offer", offer.MessageType())
	}
	if !offer.YourIPAddr.Equal(net.IPv4(10, 0, 2, 15)) {
		t.Errorf("lease = %v, want 10.0.2.15", offer.YourIPAddr)
	}
	routers := offer.Router()
	if len(routers) != 1 || !routers[0].Equal(net.IPv4(10, 0, 2, 2)) {
		t.Errorf("router = %v, want [10.0.2.2]", routers)
	}
	dnsServers := offer.DNS()
	if len(dnsServers) != 1 || !dnsServers[0].Equal(net.IPv4(10, 0, 2, 2)) {
		t.Errorf("dns = %v, want [10.0.2.2]", dnsServers)
	}
}

// tcpPeer tracks the guest side of one NAT'd TCP flow in a test.
type tcpPeer struct {
	g       *guestSim
	dstIP   net.IP
	dstPort uint16
	srcPort uint16
	seq     uint32
	ack     uint32
}

func (p *tcpPeer) send(syn, ackFlag, fin bool, payload []byte) {
	ip := p.g.ipv4(p.dstIP, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(p.srcPort),
		DstPort: layers.TCPPort(p.dstPort),
		Seq:     p.seq,
		Ack:     p.ack,
		SYN:     syn,
		ACK:     ackFlag,
		FIN:     fin,
		Window:  65535,
	}
	tcp.SetNetworkLayerForChecksum(ip)
	p.g.send(p.g.eth(layers.EthernetTypeIPv4), ip, tcp, gopacket.Payload(payload))
}

// readTCP returns the next TCP segment for this flow, skipping others.
func (p *tcpPeer) readTCP(timeout time.Duration) *layers.TCP {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		pkt := p.g.read(time.Until(deadline))
		if pkt == nil {
			return nil
		}
		tcpLayer := pkt.Layer(layers.LayerTypeTCP)
		if tcpLayer == nil {
			continue
		}
		seg := tcpLayer.(*layers.TCP)
		if uint16(seg.DstPort) == p.srcPort && uint16(seg.SrcPort) == p.dstPort {
			return seg
		}
	}
	return nil
}

func TestStack_TCPNATRoundTrip(t *testing.T) {
	// Echo server standing in for an arbitrary host destination.
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	serverGot := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 256)
		n, _ := conn.Read(buf)
		serverGot <- buf[:n]
		conn.Write([]byte("PONG"))
	}()

	_, g := newTestStack(t, Config{Subnet: "10.0.2.0/24"})
	addr := ln.Addr().(*net.TCPAddr)

	peer := &tcpPeer{
		g:       g,
		dstIP:   addr.IP.To4(),
		dstPort: uint16(addr.Port),
		srcPort: 47000,
		seq:     1000,
	}

	// Handshake.
	peer.send(true, false, false, nil)
	synAck := peer.readTCP(5 * time.Second)
	if synAck == nil {
		t.Fatal("no SYN-ACK")
	}
	if !synAck.SYN || !synAck.ACK {
		t.Fatalf("flags = syn:%v ack:%v, want SYN-ACK", synAck.SYN, synAck.ACK)
	}
	if synAck.Ack != peer.seq+1 {
		t.Fatalf("SYN-ACK ack = %d, want %d", synAck.Ack, peer.seq+1)
	}
	peer.seq++
	peer.ack = synAck.Seq + 1
	peer.send(false, true, false, nil)

	// Guest sends data; it must surface on the host socket.
	peer.send(false, true, false, []byte("PING"))
	select {
	case got := <-serverGot:
		if string(got) != "PING" {
			t.Errorf("server got %q, want PING", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received guest data")
	}
	peer.seq += 4

	// Host reply comes back as a data segment in sequence.
	for {
		seg := peer.readTCP(5 * time.Second)
		if seg == nil {
			t.Fatal("no reply data segment")
		}
		if len(seg.Payload) == 0 {
			continue // pure ACK
		}
		if seg.Seq != peer.ack {
			t.Fatalf("data seq = %d, want %d", seg.Seq, peer.ack)
		}
		if string(seg.Payload) != "PONG" {
			t.Errorf("payload = %q, want PONG", seg.Payload)
		}
		break
	}
}

func TestStack_TCPSegmentsAtMSS(t *testing.T) {
	const total = MSS + 1

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		big := bytes.Repeat([]byte{0xab}, total)
		conn.Write(big)
		time.Sleep(time.Second)
	}()

	_, g := newTestStack(t, Config{Subnet: "10.0.2.0/24"})
	addr := ln.Addr().(*net.TCPAddr)
	peer := &tcpPeer{
		g:       g,
		dstIP:   addr.IP.To4(),
		dstPort: uint16(addr.Port),
		srcPort: 47001,
		seq:     5000,
	}

	peer.send(true, false, false, nil)
	synAck := peer.readTCP(5 * time.Second)
	if synAck == nil {
		t.Fatal("no SYN-ACK")
	}
	peer.seq++
	peer.ack = synAck.Seq + 1
	peer.send(false, true, false, nil)

	received := 0
	expectedSeq := peer.ack
	for received < total {
		seg := peer.readTCP(5 * time.Second)
		if seg == nil {
			t.Fatalf("missing data; received %d of %d bytes", received, total)
		}
		if len(seg.Payload) == 0 || seg.SYN {
			continue
		}
		if len(seg.Payload) > MSS {
			t.Fatalf("segment of %d bytes exceeds MSS %d", len(seg.Payload), MSS)
		}
		if seg.Seq != expectedSeq {
			t.Fatalf("seq = %d, want %d (no gaps, no overlaps)", seg.Seq, expectedSeq)
		}
		expectedSeq += uint32(len(seg.Payload))
		received += len(seg.Payload)
	}
	if received != total {
		t.Errorf("received %d bytes, want %d", received, total)
	}
}

func TestStack_PolicyDenySendsRST(t *testing.T) {
	_, g := newTestStack(t, Config{
		Subnet: "10.0.2.0/24",
		Policy: DenyAll(),
	})

	peer := &tcpPeer{
		g:       g,
		dstIP:   net.IPv4(203, 0, 113, 9).To4(),
		dstPort: 80,
		srcPort: 47002,
		seq:     9000,
	}
	peer.send(true, false, false, nil)

	seg := peer.readTCP(5 * time.Second)
	if seg == nil {
		t.Fatal("no response to denied SYN")
	}
	if !seg.RST {
		t.Errorf("flags = %+v, want RST", seg)
	}
}

func TestStack_PortForwardTCP(t *testing.T) {
	// The "guest service": the test answers the stack's guest-facing SYN.
	port := 18099
	_, g := newTestStack(t, Config{
		Subnet:   "10.0.2.0/24",
		Forwards: []PortForward{{Proto: ProtoTCP, HostPort: uint16(port), GuestPort: 8080}},
	})

	// The stack must know the guest before it can forward; any frame
	// teaches it.
	g.send(
		g.eth(layers.EthernetTypeIPv4),
		g.ipv4(net.IPv4(10, 0, 2, 2), layers.IPProtocolICMPv4),
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: 1},
	)
	if pkt := g.read(2 * time.Second); pkt == nil {
		t.Fatal("no echo reply while priming guest identity")
	}

	conn, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial forward: %v", err)
	}
	defer conn.Close()

	// Expect a guest-facing SYN to port 8080.
	var syn *layers.TCP
	deadline := time.Now().Add(5 * time.Second)
	for syn == nil && time.Now().Before(deadline) {
		pkt := g.read(time.Until(deadline))
		if pkt == nil {
			break
		}
		if tcpLayer := pkt.Layer(layers.LayerTypeTCP); tcpLayer != nil {
			seg := tcpLayer.(*layers.TCP)
			if seg.SYN && uint16(seg.DstPort) == 8080 {
				syn = seg
			}
		}
	}
	if syn == nil {
		t.Fatal("no guest-facing SYN for forwarded connection")
	}

	// Complete the reversed handshake as the guest service.
	peer := &tcpPeer{
		g:       g,
		dstIP:   net.IPv4(10, 0, 2, 2).To4(),
		dstPort: uint16(syn.SrcPort),
		srcPort: 8080,
		seq:     7000,
		ack:     syn.Seq + 1,
	}
	peer.send(true, true, false, nil)
	ack := peer.readTCP(5 * time.Second)
	if ack == nil || !ack.ACK || ack.SYN {
		t.Fatal("reversed handshake did not complete")
	}
	peer.seq++

	// Host writes; the guest service must see it as a data segment.
	if _, err := conn.Write([]byte("PING\n")); err != nil {
		t.Fatalf("host write: %v", err)
	}
	for {
		seg := peer.readTCP(5 * time.Second)
		if seg == nil {
			t.Fatal("guest never saw forwarded data")
		}
		if len(seg.Payload) == 0 {
			continue
		}
		if string(seg.Payload) != "PING\n" {
			t.Errorf("guest got %q, want PING\\n", seg.Payload)
		}
		peer.ack = seg.Seq + uint32(len(seg.Payload))
		break
	}

	// Guest echoes back; the host client must read it.
	peer.send(false, true, false, []byte("PING\n"))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("host read: %v", err)
	}
	if string(buf[:n]) != "PING\n" {
		t.Errorf("host read %q, want PING\\n", buf[:n])
	}
}

// Package capsanet is a userspace network stack for a single virtualized
// guest. It speaks Ethernet on one side (a unixgram socket pair or a TAP
// device) and terminates guest TCP, UDP, and ICMP flows into host sockets
// on the other. The stack is also the guest's DHCP server and DNS proxy,
// and enforces an ordered allow/deny/log policy over guest-initiated flows.
package capsanet

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
)

const tickInterval = time.Millisecond

// Stack owns the guest link. One goroutine reads frames and dispatches
// them; per-connection forwarder tasks run concurrently and hand frames
// back through the serialized frame writer.
type Stack struct {
	cfg  Config
	conf *NetConf
	fio  FrameIO
	log  *logrus.Entry

	cache  *DNSCache
	policy *policyEngine
	dhcp   *dhcpServer
	dns    *dnsProxy
	tcp    *tcpNAT
	udp    *udpNAT
	icmp   *icmpNAT

	forwards []io.Closer

	mu            sync.Mutex
	guestMAC      net.HardwareAddr
	guestIP       net.IP
	udpForwarders []*udpForwarder

	done      chan struct{}
	closeOnce sync.Once
}

// New builds a stack over the given frame transport. Start must be called
// before the guest link carries traffic.
func New(cfg Config, fio FrameIO) (*Stack, error) {
	if cfg.Subnet == "" {
		cfg.Subnet = "10.0.2.0/24"
	}
	conf, err := DeriveNetConf(cfg.Subnet)
	if err != nil {
		return nil, err
	}
	cache, err := NewDNSCache(cfg.MaxDNSCacheEntries)
	if err != nil {
		return nil, err
	}
	log := logrus.WithField("subsys", "capsanet")

	s := &Stack{
		cfg:   cfg,
		conf:  conf,
		fio:   fio,
		log:   log,
		cache: cache,
		done:  make(chan struct{}),
	}
	s.policy = newPolicyEngine(cfg.Policy, cache, log)
	s.dhcp = newDHCPServer(s)
	s.dns = newDNSProxy(s)
	s.tcp = newTCPNAT(s)
	s.udp = newUDPNAT(s)
	s.icmp = newICMPNAT(s)
	return s, nil
}

// Gateway returns the stack's own address on the guest subnet.
func (s *Stack) Gateway() net.IP { return s.conf.Gateway }

// Start launches the dispatch loop, the periodic tick, and the configured
// inbound port forwards.
func (s *Stack) Start() error {
	for _, fwd := range s.cfg.Forwards {
		closer, err := s.startForward(fwd)
		if err != nil {
			s.Close()
			return fmt.Errorf("port forward %d->%d: %w", fwd.HostPort, fwd.GuestPort, err)
		}
		s.forwards = append(s.forwards, closer)
	}
	go s.readLoop()
	go s.tickLoop()
	return nil
}

// Close tears down forwards, NAT state, and the frame transport.
func (s *Stack) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		for _, f := range s.forwards {
			_ = f.Close()
		}
		s.tcp.closeAll()
		s.udp.closeAll()
		s.icmp.closeAll()
		_ = s.fio.Close()
	})
	return nil
}

func (s *Stack) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, err := s.fio.ReadFrame(buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					s.log.WithError(err).Warn("frame read failed, stopping stack")
				}
				s.Close()
			}
			return
		}
		s.dispatch(buf[:n])
	}
}

func (s *Stack) tickLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.tcp.tick(now)
			s.udp.tick(now)
			s.icmp.tick(now)
		}
	}
}

func (s *Stack) dispatch(frame []byte) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return
	}
	eth := ethLayer.(*layers.Ethernet)

	if arpLayer := pkt.Layer(layers.LayerTypeARP); arpLayer != nil {
		s.handleARP(eth, arpLayer.(*layers.ARP))
		return
	}

	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return
	}
	ip := ipLayer.(*layers.IPv4)
	s.learnGuest(eth.SrcMAC, ip.SrcIP)

	switch {
	case ip.Protocol == layers.IPProtocolTCP:
		if tcpLayer := pkt.Layer(layers.LayerTypeTCP); tcpLayer != nil {
			s.tcp.handleSegment(eth, ip, tcpLayer.(*layers.TCP))
		}
	case ip.Protocol == layers.IPProtocolUDP:
		if udpLayer := pkt.Layer(layers.LayerTypeUDP); udpLayer != nil {
			s.handleUDP(eth, ip, udpLayer.(*layers.UDP))
		}
	case ip.Protocol == layers.IPProtocolICMPv4:
		if icmpLayer := pkt.Layer(layers.LayerTypeICMPv4); icmpLayer != nil {
			s.icmp.handle(eth, ip, icmpLayer.(*layers.ICMPv4), pkt)
		}
	}
}

func (s *Stack) handleUDP(eth *layers.Ethernet, ip *layers.IPv4, udp *layers.UDP) {
	switch {
	case udp.DstPort == 67:
		s.dhcp.handle(eth, ip, udp)
	case udp.DstPort == 53 && ip.DstIP.Equal(s.conf.Gateway):
		// DNS to the gateway is served internally and never consults
		// policy — the proxy is the input source for domain rules.
		s.dns.handle(eth, ip, udp)
	default:
		if s.forwardedUDPReply(ip, udp) {
			return
		}
		s.udp.handle(eth, ip, udp)
	}
}

func (s *Stack) handleARP(eth *layers.Ethernet, req *layers.ARP) {
	if req.Operation != layers.ARPRequest {
		return
	}
	target := net.IP(req.DstProtAddress)
	if !target.Equal(s.conf.Gateway) {
		return
	}
	reply := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   GatewayMAC,
		SourceProtAddress: s.conf.Gateway.To4(),
		DstHwAddress:      req.SourceHwAddress,
		DstProtAddress:    req.SourceProtAddress,
	}
	ethOut := &layers.Ethernet{
		SrcMAC:       GatewayMAC,
		DstMAC:       eth.SrcMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	s.writeLayers(ethOut, reply)
}

// learnGuest remembers the guest's MAC and IP for crafting reply frames.
func (s *Stack) learnGuest(mac net.HardwareAddr, ip net.IP) {
	if len(mac) != 6 || mac[0]&0x01 != 0 {
		return
	}
	s.mu.Lock()
	if s.guestMAC == nil {
		s.guestMAC = append(net.HardwareAddr(nil), mac...)
	}
	if v4 := ip.To4(); v4 != nil && !v4.IsUnspecified() && s.conf.Subnet.Contains(v4) {
		s.guestIP = append(net.IP(nil), v4...)
	}
	s.mu.Unlock()
}

func (s *Stack) guest() (net.HardwareAddr, net.IP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guestMAC, s.guestIP
}

// writeLayers serializes a frame and pushes it at the guest link.
func (s *Stack) writeLayers(l ...gopacket.SerializableLayer) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, l...); err != nil {
		s.log.WithError(err).Warn("frame serialize failed")
		return
	}
	if err := s.fio.WriteFrame(buf.Bytes()); err != nil {
		select {
		case <-s.done:
		default:
			s.log.WithError(err).Debug("frame write failed")
		}
	}
}

// sendTCP crafts one TCP frame from the gateway-side identity (srcIP:
// srcPort) to the guest.
func (s *Stack) sendTCP(dstMAC net.HardwareAddr, srcIP, dstIP net.IP, srcPort, dstPort uint16, seq, ack uint32, syn, ackFlag, fin, rst bool, payload []byte) {
	eth := &layers.Ethernet{
		SrcMAC:       GatewayMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     seq,
		Ack:     ack,
		SYN:     syn,
		ACK:     ackFlag,
		FIN:     fin,
		RST:     rst,
		Window:  65535,
	}
	if syn {
		tcp.Options = []layers.TCPOption{{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   []byte{byte(MSS >> 8), byte(MSS & 0xff)},
		}}
	}
	_ = tcp.SetNetworkLayerForChecksum(ip)
	s.writeLayers(eth, ip, tcp, gopacket.Payload(payload))
}

// sendUDP crafts one UDP frame to the guest.
func (s *Stack) sendUDP(dstMAC net.HardwareAddr, srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte) {
	eth := &layers.Ethernet{
		SrcMAC:       GatewayMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	_ = udp.SetNetworkLayerForChecksum(ip)
	s.writeLayers(eth, ip, udp, gopacket.Payload(payload))
}

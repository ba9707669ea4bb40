package capsanet

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
)

// startForward opens the host-side listener for one configured forward.
func (s *Stack) startForward(fwd PortForward) (io.Closer, error) {
	switch fwd.Proto {
	case ProtoTCP:
		return s.startTCPForward(fwd)
	case ProtoUDP:
		return s.startUDPForward(fwd)
	default:
		return nil, fmt.Errorf("unsupported forward protocol %s", fwd.Proto)
	}
}

// tcpForwarder accepts host connections and replays them into the guest
// through the TCP NAT with roles reversed.
type tcpForwarder struct {
	stack *Stack
	fwd   PortForward
	ln    net.Listener
}

func (s *Stack) startTCPForward(fwd PortForward) (io.Closer, error) {
	ln, err := net.Listen("tcp4", fmt.Sprintf("127.0.0.1:%d", fwd.HostPort))
	if err != nil {
		return nil, err
	}
	f := &tcpForwarder{stack: s, fwd: fwd, ln: ln}
	go f.acceptLoop()
	return f, nil
}

func (f *tcpForwarder) acceptLoop() {
	log := f.stack.log.WithFields(logrus.Fields{
		"host_port":  f.fwd.HostPort,
		"guest_port": f.fwd.GuestPort,
	})
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		if !f.stack.tcp.openInbound(conn, f.fwd.GuestPort) {
			// Guest link not up yet; nothing to connect to.
			log.Debug("dropping inbound connection, guest not ready")
			conn.Close()
		}
	}
}

func (f *tcpForwarder) Close() error { return f.ln.Close() }

// udpForwarder relays host datagrams into the guest. Each host client gets
// a gateway-side session port so guest replies route back to it.
type udpForwarder struct {
	stack *Stack
	fwd   PortForward
	conn  *net.UDPConn

	mu       sync.Mutex
	sessions map[string]*udpFwdSession // client addr → session
	byPort   map[uint16]*udpFwdSession
	nextPort uint16
}

type udpFwdSession struct {
	client       *net.UDPAddr
	gwPort       uint16
	lastActivity time.Time
}

func (s *Stack) startUDPForward(fwd PortForward) (io.Closer, error) {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(fwd.HostPort)}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}
	f := &udpForwarder{
		stack:    s,
		fwd:      fwd,
		conn:     conn,
		sessions: make(map[string]*udpFwdSession),
		byPort:   make(map[uint16]*udpFwdSession),
		nextPort: 42000,
	}
	s.registerUDPForwarder(f)
	go f.readLoop()
	return f, nil
}

func (f *udpForwarder) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, client, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		guestMAC, guestIP := f.stack.guest()
		if guestMAC == nil || guestIP == nil {
			continue
		}
		sess := f.session(client)
		f.stack.sendUDP(guestMAC, f.stack.conf.Gateway, guestIP, sess.gwPort, f.fwd.GuestPort, buf[:n])
	}
}

func (f *udpForwarder) session(client *net.UDPAddr) *udpFwdSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[client.String()]
	if !ok {
		f.nextPort++
		sess = &udpFwdSession{client: client, gwPort: f.nextPort}
		f.sessions[client.String()] = sess
		f.byPort[sess.gwPort] = sess
	}
	sess.lastActivity = time.Now()
	return sess
}

// handleGuestReply routes a guest datagram addressed to one of this
// forwarder's session ports back to the originating host client.
func (f *udpForwarder) handleGuestReply(ip *layers.IPv4, udp *layers.UDP) bool {
	if uint16(udp.SrcPort) != f.fwd.GuestPort {
		return false
	}
	f.mu.Lock()
	sess, ok := f.byPort[uint16(udp.DstPort)]
	f.mu.Unlock()
	if !ok {
		return false
	}
	_, _ = f.conn.WriteToUDP(udp.Payload, sess.client)
	return true
}

func (f *udpForwarder) Close() error {
	f.stack.unregisterUDPForwarder(f)
	return f.conn.Close()
}

func (s *Stack) registerUDPForwarder(f *udpForwarder) {
	s.mu.Lock()
	s.udpForwarders = append(s.udpForwarders, f)
	s.mu.Unlock()
}

func (s *Stack) unregisterUDPForwarder(f *udpForwarder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.udpForwarders {
		if other == f {
			s.udpForwarders = append(s.udpForwarders[:i], s.udpForwarders[i+1:]...)
			return
		}
	}
}

// forwardedUDPReply gives registered UDP forwarders first claim on a
// gateway-addressed datagram.
func (s *Stack) forwardedUDPReply(ip *layers.IPv4, udp *layers.UDP) bool {
	if !ip.DstIP.Equal(s.conf.Gateway) {
		return false
	}
	s.mu.Lock()
	forwarders := append([]*udpForwarder(nil), s.udpForwarders...)
	s.mu.Unlock()
	for _, f := range forwarders {
		if f.handleGuestReply(ip, udp) {
			return true
		}
	}
	return false
}

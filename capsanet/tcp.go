package capsanet

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
)

const (
	// tcpTimeWait is how long a closed entry lingers before removal.
	tcpTimeWait = 60 * time.Second

	// handshakeRexmit is the interval for re-sending an unanswered SYN or
	// SYN-ACK; after handshakeMaxTries the entry is torn down.
	handshakeRexmit   = time.Second
	handshakeMaxTries = 5

	// txBacklog bounds the guest→host payload channel. When it fills the
	// segment is dropped unacknowledged and the guest retransmits.
	txBacklog = 256

	hostReadBuf = 4096
)

type tcpState int

const (
	stateSynRcvd tcpState = iota // outbound: SYN seen, dialing / awaiting ACK
	stateSynSent                 // inbound: our SYN sent, awaiting SYN-ACK
	stateEstablished
	stateFinWait
	stateClosed
)

type tcpKey struct {
	guestMAC  [6]byte
	guestIP   [4]byte
	guestPort uint16
	hostIP    [4]byte
	hostPort  uint16
}

func newTCPKey(mac net.HardwareAddr, guestIP net.IP, guestPort uint16, hostIP net.IP, hostPort uint16) tcpKey {
	var k tcpKey
	copy(k.guestMAC[:], mac)
	copy(k.guestIP[:], guestIP.To4())
	copy(k.hostIP[:], hostIP.To4())
	k.guestPort = guestPort
	k.hostPort = hostPort
	return k
}

// tcpNatEntry binds one guest flow to one host socket. The sequence number
// we send with (ourSeq) is a single atomic shared by every sender — the
// host-to-guest forwarder and the control paths — so the bytes delivered to
// the guest form one contiguous sequence.
type tcpNatEntry struct {
	nat *tcpNAT
	key tcpKey

	guestMAC  net.HardwareAddr
	guestIP   net.IP
	guestPort uint16
	hostIP    net.IP // flow destination (or gateway for inbound flows)
	hostPort  uint16

	mu       sync.Mutex
	state    tcpState
	conn     net.Conn
	isn      uint32
	tries    int
	lastSent time.Time
	closedAt time.Time
	sentFIN  bool
	rcvdFIN  bool

	theirSeq atomic.Uint32 // next sequence number expected from the guest
	ourSeq   atomic.Uint32 // next sequence number we will send
	acked    atomic.Uint64 // guest bytes written through to the host socket

	txCh     chan []byte // guest→host payload
	txClosed sync.Once
}

// tcpNAT owns the per-flow table and the shared ISN counter.
type tcpNAT struct {
	stack *Stack

	mu      sync.Mutex
	entries map[tcpKey]*tcpNatEntry

	isnCounter atomic.Uint32
	ephemeral  atomic.Uint32 // inbound gateway-side port allocator
}

func newTCPNAT(s *Stack) *tcpNAT {
	n := &tcpNAT{stack: s, entries: make(map[tcpKey]*tcpNatEntry)}
	n.isnCounter.Store(uint32(time.Now().UnixNano()))
	n.ephemeral.Store(32000)
	return n
}

func (n *tcpNAT) handleSegment(eth *layers.Ethernet, ip *layers.IPv4, seg *layers.TCP) {
	key := newTCPKey(eth.SrcMAC, ip.SrcIP, uint16(seg.SrcPort), ip.DstIP, uint16(seg.DstPort))

	n.mu.Lock()
	entry := n.entries[key]
	n.mu.Unlock()

	if entry == nil {
		if seg.SYN && !seg.ACK {
			n.openOutbound(key, eth, ip, seg)
		} else if !seg.RST {
			// No flow state; tell the guest so it stops retrying.
			n.stack.sendTCP(eth.SrcMAC, ip.DstIP, ip.SrcIP, uint16(seg.DstPort), uint16(seg.SrcPort),
				0, seg.Seq+1, false, true, false, true, nil)
		}
		return
	}
	entry.handleSegment(seg)
}

// openOutbound handles a guest SYN for a new flow: policy first, then a
// host dial off the dispatch goroutine, then SYN-ACK.
func (n *tcpNAT) openOutbound(key tcpKey, eth *layers.Ethernet, ip *layers.IPv4, seg *layers.TCP) {
	dstIP := append(net.IP(nil), ip.DstIP.To4()...)
	dstPort := uint16(seg.DstPort)

	if n.stack.policy.Evaluate(ProtoTCP, dstIP, dstPort) == ActionDeny {
		n.stack.sendTCP(eth.SrcMAC, ip.DstIP, ip.SrcIP, dstPort, uint16(seg.SrcPort),
			0, seg.Seq+1, false, true, false, true, nil)
		return
	}

	entry := &tcpNatEntry{
		nat:       n,
		key:       key,
		guestMAC:  append(net.HardwareAddr(nil), eth.SrcMAC...),
		guestIP:   append(net.IP(nil), ip.SrcIP.To4()...),
		guestPort: uint16(seg.SrcPort),
		hostIP:    dstIP,
		hostPort:  dstPort,
		state:     stateSynRcvd,
		isn:       n.isnCounter.Add(64000),
		lastSent:  time.Now(),
		txCh:      make(chan []byte, txBacklog),
	}
	entry.theirSeq.Store(seg.Seq + 1)
	entry.ourSeq.Store(entry.isn)

	n.mu.Lock()
	n.entries[key] = entry
	n.mu.Unlock()

	go entry.dialAndReply()
}

func (e *tcpNatEntry) logger() *logrus.Entry {
	return e.nat.stack.log.WithFields(logrus.Fields{
		"guest": net.JoinHostPort(e.guestIP.String(), itoa(e.guestPort)),
		"host":  net.JoinHostPort(e.hostIP.String(), itoa(e.hostPort)),
	})
}

func (e *tcpNatEntry) dialAndReply() {
	conn, err := net.DialTimeout("tcp4", net.JoinHostPort(e.hostIP.String(), itoa(e.hostPort)), 10*time.Second)
	if err != nil {
		e.logger().WithError(err).Debug("host dial failed")
		e.sendRST()
		e.nat.remove(e)
		return
	}

	e.mu.Lock()
	if e.state != stateSynRcvd {
		e.mu.Unlock()
		conn.Close()
		return
	}
	e.conn = conn
	e.lastSent = time.Now()
	e.mu.Unlock()

	e.sendSynAck()
}

func (e *tcpNatEntry) sendSynAck() {
	e.nat.stack.sendTCP(e.guestMAC, e.hostIP, e.guestIP, e.hostPort, e.guestPort,
		e.isn, e.theirSeq.Load(), true, true, false, false, nil)
}

func (e *tcpNatEntry) sendSyn() {
	e.nat.stack.sendTCP(e.guestMAC, e.hostIP, e.guestIP, e.hostPort, e.guestPort,
		e.isn, 0, true, false, false, false, nil)
}

func (e *tcpNatEntry) sendRST() {
	e.nat.stack.sendTCP(e.guestMAC, e.hostIP, e.guestIP, e.hostPort, e.guestPort,
		e.ourSeq.Load(), e.theirSeq.Load(), false, true, false, true, nil)
}

func (e *tcpNatEntry) sendAck() {
	e.nat.stack.sendTCP(e.guestMAC, e.hostIP, e.guestIP, e.hostPort, e.guestPort,
		e.ourSeq.Load(), e.theirSeq.Load(), false, true, false, false, nil)
}

func (e *tcpNatEntry) handleSegment(seg *layers.TCP) {
	if seg.RST {
		e.teardown(false)
		return
	}

	e.mu.Lock()
	state := e.state
	e.mu.Unlock()

	switch state {
	case stateSynRcvd:
		if seg.SYN && !seg.ACK {
			// Retransmitted SYN; repeat the SYN-ACK once the dial landed.
			e.mu.Lock()
			dialed := e.conn != nil
			e.mu.Unlock()
			if dialed {
				e.sendSynAck()
			}
			return
		}
		if seg.ACK && seg.Ack == e.isn+1 {
			e.ourSeq.Store(e.isn + 1)
			e.establish()
		}
	case stateSynSent:
		if seg.SYN && seg.ACK && seg.Ack == e.isn+1 {
			e.ourSeq.Store(e.isn + 1)
			e.theirSeq.Store(seg.Seq + 1)
			e.sendAck()
			e.establish()
		}
	case stateEstablished, stateFinWait:
		e.handleData(seg)
	case stateClosed:
		// Stale segment after close; nothing to do.
	}
}

func (e *tcpNatEntry) establish() {
	e.mu.Lock()
	if e.state != stateSynRcvd && e.state != stateSynSent {
		e.mu.Unlock()
		return
	}
	e.state = stateEstablished
	conn := e.conn
	e.mu.Unlock()

	e.logger().Debug("tcp flow established")
	go e.guestToHost(conn)
	go e.hostToGuest(conn)
}

func (e *tcpNatEntry) handleData(seg *layers.TCP) {
	payload := seg.Payload
	expected := e.theirSeq.Load()

	if len(payload) > 0 {
		switch {
		case seg.Seq == expected:
			data := append([]byte(nil), payload...)
			select {
			case e.txCh <- data:
				e.theirSeq.Store(expected + uint32(len(payload)))
				e.sendAck()
			default:
				// Backlog full: drop without acknowledging; the guest
				// retransmits and paces itself.
			}
		case seqBefore(seg.Seq, expected):
			// Retransmission of data we already consumed.
			e.sendAck()
		default:
			// Out-of-order beyond our window model; force a retransmit.
			e.sendAck()
		}
	}

	if seg.FIN && seg.Seq+uint32(len(payload)) == e.theirSeq.Load() {
		e.theirSeq.Add(1)
		e.mu.Lock()
		e.rcvdFIN = true
		sentFIN := e.sentFIN
		conn := e.conn
		e.mu.Unlock()

		e.sendAck()
		e.txClosed.Do(func() { close(e.txCh) })
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		if sentFIN {
			e.markClosed()
		} else {
			e.mu.Lock()
			e.state = stateFinWait
			e.mu.Unlock()
		}
		return
	}

	if seg.ACK {
		e.mu.Lock()
		if e.sentFIN && e.rcvdFIN && seg.Ack == e.ourSeq.Load()+1 {
			e.mu.Unlock()
			e.markClosed()
			return
		}
		e.mu.Unlock()
	}
}

// guestToHost drains the NAT input channel into the host socket and
// advances the acked byte counter.
func (e *tcpNatEntry) guestToHost(conn net.Conn) {
	for data := range e.txCh {
		if _, err := conn.Write(data); err != nil {
			e.logger().WithError(err).Debug("host write failed")
			e.sendRST()
			e.teardown(false)
			return
		}
		e.acked.Add(uint64(len(data)))
	}
}

// hostToGuest reads the host socket and crafts data frames, segmenting
// anything over MSS. On EOF it emits a FIN.
func (e *tcpNatEntry) hostToGuest(conn net.Conn) {
	buf := make([]byte, hostReadBuf)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for off := 0; off < n; off += MSS {
				end := off + MSS
				if end > n {
					end = n
				}
				chunk := buf[off:end]
				seq := e.ourSeq.Add(uint32(len(chunk))) - uint32(len(chunk))
				e.nat.stack.sendTCP(e.guestMAC, e.hostIP, e.guestIP, e.hostPort, e.guestPort,
					seq, e.theirSeq.Load(), false, true, false, false, chunk)
			}
		}
		if err != nil {
			e.sendFIN()
			return
		}
	}
}

func (e *tcpNatEntry) sendFIN() {
	e.mu.Lock()
	if e.sentFIN || e.state == stateClosed {
		e.mu.Unlock()
		return
	}
	e.sentFIN = true
	rcvd := e.rcvdFIN
	e.mu.Unlock()

	seq := e.ourSeq.Load()
	e.nat.stack.sendTCP(e.guestMAC, e.hostIP, e.guestIP, e.hostPort, e.guestPort,
		seq, e.theirSeq.Load(), false, true, true, false, nil)
	if rcvd {
		e.markClosed()
	} else {
		e.mu.Lock()
		if e.state == stateEstablished {
			e.state = stateFinWait
		}
		e.mu.Unlock()
	}
}

// markClosed moves the entry to TIME_WAIT; the tick removes it later.
func (e *tcpNatEntry) markClosed() {
	e.mu.Lock()
	if e.state == stateClosed {
		e.mu.Unlock()
		return
	}
	e.state = stateClosed
	e.closedAt = time.Now()
	conn := e.conn
	e.mu.Unlock()

	e.txClosed.Do(func() { close(e.txCh) })
	if conn != nil {
		conn.Close()
	}
}

// teardown closes immediately (RST from either side).
func (e *tcpNatEntry) teardown(notifyGuest bool) {
	if notifyGuest {
		e.sendRST()
	}
	e.markClosed()
}

func (n *tcpNAT) remove(e *tcpNatEntry) {
	n.mu.Lock()
	delete(n.entries, e.key)
	n.mu.Unlock()
}

// openInbound is the port-forward entry point: an accepted host connection
// becomes a guest-facing flow with the roles reversed — we initiate the
// SYN, then hand off to exactly the same forwarder machinery.
func (n *tcpNAT) openInbound(conn net.Conn, guestPort uint16) bool {
	guestMAC, guestIP := n.stack.guest()
	if guestMAC == nil || guestIP == nil {
		return false
	}
	gwPort := uint16(n.ephemeral.Add(1))
	if gwPort < 1024 {
		gwPort += 1024
	}
	key := newTCPKey(guestMAC, guestIP, guestPort, n.stack.conf.Gateway, gwPort)

	entry := &tcpNatEntry{
		nat:       n,
		key:       key,
		guestMAC:  append(net.HardwareAddr(nil), guestMAC...),
		guestIP:   append(net.IP(nil), guestIP...),
		guestPort: guestPort,
		hostIP:    n.stack.conf.Gateway,
		hostPort:  gwPort,
		state:     stateSynSent,
		conn:      conn,
		isn:       n.isnCounter.Add(64000),
		lastSent:  time.Now(),
		txCh:      make(chan []byte, txBacklog),
	}
	entry.ourSeq.Store(entry.isn)

	n.mu.Lock()
	n.entries[key] = entry
	n.mu.Unlock()

	entry.sendSyn()
	return true
}

func (n *tcpNAT) tick(now time.Time) {
	n.mu.Lock()
	var expired, rexmit []*tcpNatEntry
	for _, e := range n.entries {
		e.mu.Lock()
		switch e.state {
		case stateClosed:
			if now.Sub(e.closedAt) > tcpTimeWait {
				expired = append(expired, e)
			}
		case stateSynRcvd, stateSynSent:
			if now.Sub(e.lastSent) > handshakeRexmit {
				e.tries++
				e.lastSent = now
				if e.tries > handshakeMaxTries {
					expired = append(expired, e)
				} else {
					rexmit = append(rexmit, e)
				}
			}
		}
		e.mu.Unlock()
	}
	for _, e := range expired {
		delete(n.entries, e.key)
	}
	n.mu.Unlock()

	for _, e := range expired {
		e.markClosed()
	}
	for _, e := range rexmit {
		e.mu.Lock()
		state := e.state
		dialed := e.conn != nil
		e.mu.Unlock()
		if state == stateSynSent {
			e.sendSyn()
		} else if dialed {
			e.sendSynAck()
		}
	}
}

func (n *tcpNAT) closeAll() {
	n.mu.Lock()
	entries := make([]*tcpNatEntry, 0, len(n.entries))
	for _, e := range n.entries {
		entries = append(entries, e)
	}
	n.entries = make(map[tcpKey]*tcpNatEntry)
	n.mu.Unlock()
	for _, e := range entries {
		e.markClosed()
	}
}

// seqBefore reports a < b in sequence space (modulo 2^32).
func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

func itoa(v uint16) string {
	return strconv.Itoa(int(v))
}

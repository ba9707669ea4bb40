package capsanet

import (
	"net"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/sirupsen/logrus"
)

// dhcpServer is the sole DHCP server on the guest wire. It leases from the
// configured subnet with the gateway as router and DNS, one-hour leases,
// and handles the DISCOVER/REQUEST (bind and renew) subset of RFC 2131.
type dhcpServer struct {
	stack  *Stack
	leases map[string]net.IP // MAC string → leased IP
	next   uint32            // offset from LeaseStart for the next new lease
}

func newDHCPServer(s *Stack) *dhcpServer {
	return &dhcpServer{stack: s, leases: make(map[string]net.IP)}
}

func (d *dhcpServer) handle(eth *layers.Ethernet, ip *layers.IPv4, udp *layers.UDP) {
	req, err := dhcpv4.FromBytes(udp.Payload)
	if err != nil {
		d.stack.log.WithError(err).Debug("malformed DHCP packet")
		return
	}
	if req.OpCode != dhcpv4.OpcodeBootRequest {
		return
	}

	var respType dhcpv4.MessageType
	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		respType = dhcpv4.MessageTypeOffer
	case dhcpv4.MessageTypeRequest:
		respType = dhcpv4.MessageTypeAck
	default:
		return
	}

	lease := d.leaseFor(req.ClientHWAddr)
	mask := d.stack.conf.Subnet.Mask
	gw := d.stack.conf.Gateway

	resp, err := dhcpv4.NewReplyFromRequest(req,
		dhcpv4.WithMessageType(respType),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(gw)),
		dhcpv4.WithOption(dhcpv4.OptSubnetMask(mask)),
		dhcpv4.WithOption(dhcpv4.OptRouter(gw)),
		dhcpv4.WithOption(dhcpv4.OptDNS(gw)),
		dhcpv4.WithOption(dhcpv4.OptIPAddressLeaseTime(DHCPLeaseSeconds*time.Second)),
	)
	if err != nil {
		d.stack.log.WithError(err).Warn("build DHCP reply")
		return
	}
	resp.YourIPAddr = lease
	resp.ServerIPAddr = gw

	d.stack.log.WithFields(logrus.Fields{
		"mac":   req.ClientHWAddr.String(),
		"lease": lease.String(),
		"type":  respType.String(),
	}).Debug("dhcp reply")

	// Clients without an address yet only hear broadcast; unicast the
	// Ethernet frame to their MAC with the IP broadcast destination.
	d.stack.sendUDP(eth.SrcMAC, gw, net.IPv4bcast, 67, 68, resp.ToBytes())
}

// leaseFor returns the stable lease for a client, allocating the next free
// address on first sight.
func (d *dhcpServer) leaseFor(mac net.HardwareAddr) net.IP {
	if ip, ok := d.leases[mac.String()]; ok {
		return ip
	}
	base := d.stack.conf.LeaseStart.To4()
	ip := net.IPv4(base[0], base[1], base[2], base[3]+byte(d.next)).To4()
	d.next++
	d.leases[mac.String()] = ip
	return ip
}

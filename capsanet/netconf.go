package capsanet

import (
	"fmt"
	"net"

	"github.com/apparentlymart/go-cidr/cidr"
)

const (
	// MTU is the Ethernet payload limit the stack assumes on the guest link.
	MTU = 1500
	// MSS is the largest TCP payload that fits in one frame at MTU.
	MSS = 1460

	// DHCPLeaseSeconds is the lease time offered to guests.
	DHCPLeaseSeconds = 3600
)

// GatewayMAC is the stable synthesized MAC the stack answers ARP with.
var GatewayMAC = net.HardwareAddr{0x5a, 0x94, 0xef, 0xe4, 0x0c, 0xdd}

// NetConf is the address plan derived from the configured subnet: the
// gateway (and DNS) address at host index 2 and guest leases from index 15.
type NetConf struct {
	Subnet     *net.IPNet
	Gateway    net.IP
	LeaseStart net.IP
	Broadcast  net.IP
}

// DeriveNetConf computes the address plan for a subnet in CIDR form.
func DeriveNetConf(subnetCIDR string) (*NetConf, error) {
	_, ipnet, err := net.ParseCIDR(subnetCIDR)
	if err != nil {
		return nil, fmt.Errorf("parse subnet %q: %w", subnetCIDR, err)
	}
	gw, err := cidr.Host(ipnet, 2)
	if err != nil {
		return nil, fmt.Errorf("subnet %q too small for gateway: %w", subnetCIDR, err)
	}
	lease, err := cidr.Host(ipnet, 15)
	if err != nil {
		return nil, fmt.Errorf("subnet %q too small for leases: %w", subnetCIDR, err)
	}
	_, bcast := cidr.AddressRange(ipnet)
	return &NetConf{
		Subnet:     ipnet,
		Gateway:    gw.To4(),
		LeaseStart: lease.To4(),
		Broadcast:  bcast.To4(),
	}, nil
}

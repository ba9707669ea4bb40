//go:build linux

package kvm

import (
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"

	"github.com/luizribeiro/capsa/capsanet"
	"github.com/luizribeiro/capsa/internal/backend"
)

var tapCounter atomic.Uint32

// newHostNATTap builds the kernel-NAT data path: a tap device carrying the
// guest's frames, IP forwarding, and MASQUERADE rules for egress. This is
// the root-privileged alternative to the userspace stack.
func newHostNATTap(cfg *backend.Config) (capsanet.FrameIO, func(), error) {
	if os.Geteuid() != 0 {
		return nil, nil, backend.Errorf(backend.KindUnsupportedFeature,
			"host NAT networking requires root for tap and iptables setup")
	}

	conf, err := capsanet.DeriveNetConf("10.0.2.0/24")
	if err != nil {
		return nil, nil, err
	}
	name := fmt.Sprintf("capsa%d", tapCounter.Add(1)-1)
	tap, err := capsanet.NewTAP(name, conf)
	if err != nil {
		return nil, nil, fmt.Errorf("create tap %s: %w", name, err)
	}

	if err := enableIPForward(); err != nil {
		tap.Close()
		return nil, nil, fmt.Errorf("enable ip_forward: %w", err)
	}
	src := conf.Subnet.String()
	if err := setupNAT(name, src); err != nil {
		tap.Close()
		return nil, nil, fmt.Errorf("setup NAT: %w", err)
	}

	cleanup := func() {
		removeNAT(name, src)
	}
	return tap, cleanup, nil
}

func enableIPForward() error {
	return os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1"), 0o644)
}

// setupNAT adds iptables MASQUERADE and FORWARD rules for guest egress.
func setupNAT(tapName, src string) error {
	if err := runCmd("iptables", "-t", "nat", "-A", "POSTROUTING", "-s", src, "-j", "MASQUERADE"); err != nil {
		return fmt.Errorf("iptables MASQUERADE: %w", err)
	}
	if err := runCmd("iptables", "-A", "FORWARD", "-i", tapName, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("iptables FORWARD in: %w", err)
	}
	if err := runCmd("iptables", "-A", "FORWARD", "-o", tapName, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("iptables FORWARD out: %w", err)
	}
	return nil
}

// removeNAT removes the rules. Best-effort — ignores errors.
func removeNAT(tapName, src string) {
	_ = runCmd("iptables", "-t", "nat", "-D", "POSTROUTING", "-s", src, "-j", "MASQUERADE")
	_ = runCmd("iptables", "-D", "FORWARD", "-i", tapName, "-j", "ACCEPT")
	_ = runCmd("iptables", "-D", "FORWARD", "-o", tapName, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT")
}

func runCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

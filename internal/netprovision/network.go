// Package netprovision implements the Host Network Provisioner (C3): an
// idempotent TAP device plus NAT/FORWARD rule set giving the guest
// internet egress. HostNetwork is process-wide, persistent, shared
// state (spec.md §3); Provisioner takes no lock and assumes a single
// invocation drives it at a time, matching the Open Question decision
// that concurrent invocations on one TAP are not supported.
package netprovision

import (
	"fmt"
	"net"
	"os/exec"

	"github.com/coreos/go-iptables/iptables"
	"github.com/vishvananda/netlink"
)

// Spec describes the network the guest expects to find.
type Spec struct {
	TapName  string
	TapCIDR  string // e.g. "172.16.0.1/24", assigned to the TAP itself
	GuestIP  string
	GuestMac string
}

// SetupError wraps any failure from Ensure, per spec.md §7.
type SetupError struct {
	Step string
	Err  error
}

func (e *SetupError) Error() string { return fmt.Sprintf("network setup: %s: %v", e.Step, e.Err) }
func (e *SetupError) Unwrap() error { return e.Err }

// Provisioner owns the host-side network setup. It has no teardown: the
// TAP is intentionally leaked across invocations for latency (spec.md §3).
type Provisioner struct{}

// New returns a Provisioner. It holds no state of its own: the kernel's
// network namespace is the actual source of truth for idempotency.
func New() *Provisioner { return &Provisioner{} }

// Ensure makes sure spec's TAP device exists, is up, has forwarding
// enabled on the host, and has the NAT/FORWARD rules needed for egress.
// Existence of the TAP device is the canonical "already configured"
// signal (spec.md §4.3): if present, only the link-up step repeats.
func (p *Provisioner) Ensure(spec Spec) error {
	link, err := netlink.LinkByName(spec.TapName)
	alreadyExists := err == nil

	if !alreadyExists {
		tap := &netlink.Tuntap{
			LinkAttrs: netlink.LinkAttrs{Name: spec.TapName},
			Mode:      netlink.TUNTAP_MODE_TAP,
		}
		if err := netlink.LinkAdd(tap); err != nil {
			return &SetupError{"create tap", err}
		}
		link, err = netlink.LinkByName(spec.TapName)
		if err != nil {
			return &SetupError{"lookup created tap", err}
		}

		addr, err := netlink.ParseAddr(spec.TapCIDR)
		if err != nil {
			return &SetupError{"parse tap cidr", err}
		}
		if err := netlink.AddrAdd(link, addr); err != nil {
			return &SetupError{"assign tap address", err}
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return &SetupError{"tap link up", err}
	}

	if alreadyExists {
		return nil
	}

	if err := enableIPv4Forwarding(); err != nil {
		return &SetupError{"enable ip forwarding", err}
	}

	upstream, err := defaultRouteInterface()
	if err != nil {
		return &SetupError{"detect upstream interface", err}
	}

	if err := ensureRules(spec.TapName, upstream); err != nil {
		return &SetupError{"install nat/forward rules", err}
	}

	return nil
}

func enableIPv4Forwarding() error {
	cmd := exec.Command("sysctl", "-w", "net.ipv4.ip_forward=1")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("sysctl net.ipv4.ip_forward=1: %w: %s", err, out)
	}
	return nil
}

// defaultRouteInterface inspects the host's default route table for the
// device that carries a nil-destination route, the same signal the
// teacher's getDefaultGateway helper uses.
func defaultRouteInterface() (string, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("list routes: %w", err)
	}
	for _, route := range routes {
		if route.Dst == nil && route.Gw != nil {
			link, err := netlink.LinkByIndex(route.LinkIndex)
			if err != nil {
				return "", fmt.Errorf("resolve default route link: %w", err)
			}
			return link.Attrs().Name, nil
		}
	}
	return "", fmt.Errorf("no upstream interface")
}

// ensureRules installs MASQUERADE on upstream egress and bidirectional
// FORWARD between tapName and upstream, each guarded by an Exists()
// check so repeated invocations never grow the rule table (spec.md §8
// invariant 3: rule count stays ≤1 after N invocations).
func ensureRules(tapName, upstream string) error {
	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("init iptables: %w", err)
	}

	if err := appendIfMissing(ipt, "nat", "POSTROUTING",
		"-o", upstream, "-j", "MASQUERADE"); err != nil {
		return err
	}

	if err := appendIfMissing(ipt, "filter", "FORWARD",
		"-i", tapName, "-o", upstream, "-j", "ACCEPT"); err != nil {
		return err
	}

	if err := appendIfMissing(ipt, "filter", "FORWARD",
		"-i", upstream, "-o", tapName, "-m", "state",
		"--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"); err != nil {
		return err
	}

	return nil
}

func appendIfMissing(ipt *iptables.IPTables, table, chain string, rule ...string) error {
	exists, err := ipt.Exists(table, chain, rule...)
	if err != nil {
		return fmt.Errorf("check rule %v: %w", rule, err)
	}
	if exists {
		return nil
	}
	if err := ipt.Append(table, chain, rule...); err != nil {
		return fmt.Errorf("append rule %v: %w", rule, err)
	}
	return nil
}

// GuestGateway returns the host address the guest should use as its
// default gateway: the TAP's own address, derived from the CIDR.
func GuestGateway(tapCIDR string) (string, error) {
	ip, _, err := net.ParseCIDR(tapCIDR)
	if err != nil {
		return "", fmt.Errorf("parse tap cidr: %w", err)
	}
	return ip.String(), nil
}

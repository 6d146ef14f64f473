package domain

import (
	"fmt"
	"net/netip"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"
)

// KindBridge is the kind of host bridge resources
const KindBridge = "Bridge"

// MaxBridgeNameLength is the kernel limit on interface names.
const MaxBridgeNameLength = 15

// DefaultDNSPort is used when dnsServer carries no port
const DefaultDNSPort = 53

func init() {
	RegisterKind(KindInfo{
		Kind:    KindBridge,
		Plural:  "bridges",
		NewSpec: func() Spec { return &BridgeSpec{} },
	})
}

// BridgeSpec is the desired state of a host bridge
type BridgeSpec struct {
	Address   string `json:"address"`   // Host address and prefix length, e.g. 10.10.0.1/24
	DNSZone   string `json:"dnsZone"`   // Zone answered for attached VMs
	DNSServer string `json:"dnsServer"` // Upstream resolver for everything else
}

// Default lowercases the zone and strips a trailing dot.
func (s *BridgeSpec) Default() {
	s.Address = strings.TrimSpace(s.Address)
	s.DNSServer = strings.TrimSpace(s.DNSServer)
	s.DNSZone = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s.DNSZone)), ".")
}

// Validate checks the spec and the bridge name
func (s *BridgeSpec) Validate(name string) error {
	var errs FieldErrors

	errs = append(errs, ValidateBridgeName(name)...)

	if _, err := ParseHostPrefix(s.Address); err != nil {
		errs = append(errs, FieldError{Field: "spec.address", Message: err.Error()})
	}

	if s.DNSZone == "" {
		errs = append(errs, FieldError{Field: "spec.dnsZone", Message: "is required"})
	} else {
		for _, msg := range validation.IsDNS1123Subdomain(s.DNSZone) {
			errs = append(errs, FieldError{Field: "spec.dnsZone", Message: msg})
		}
	}

	if _, err := ParseUpstream(s.DNSServer); err != nil {
		errs = append(errs, FieldError{Field: "spec.dnsServer", Message: err.Error()})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// CheckUpdate rejects an address change; the zone and upstream may change.
func (s *BridgeSpec) CheckUpdate(old Spec) error {
	prev, ok := old.(*BridgeSpec)
	if !ok {
		return fmt.Errorf("%w: kind", ErrImmutable)
	}
	if prev.Address != s.Address {
		return fmt.Errorf("%w: spec.address cannot change from %s to %s", ErrImmutable, prev.Address, s.Address)
	}
	return nil
}

// Prefix returns the parsed host address and prefix length. The spec must
// have passed validation.
func (s *BridgeSpec) Prefix() netip.Prefix {
	p, _ := ParseHostPrefix(s.Address)
	return p
}

// Upstream returns the upstream resolver as host:port.
func (s *BridgeSpec) Upstream() netip.AddrPort {
	ap, _ := ParseUpstream(s.DNSServer)
	return ap
}

// ValidateBridgeName checks a name is usable as a kernel interface name
func ValidateBridgeName(name string) FieldErrors {
	var errs FieldErrors
	for _, msg := range validation.IsDNS1123Label(name) {
		errs = append(errs, FieldError{Field: "metadata.name", Message: msg})
	}
	if len(name) > MaxBridgeNameLength {
		errs = append(errs, FieldError{Field: "metadata.name", Message: fmt.Sprintf("must be no more than %d characters", MaxBridgeNameLength)})
	}
	return errs
}

// ValidateVMName checks a VM name is usable as a DNS label
func ValidateVMName(name string) error {
	var errs FieldErrors
	for _, msg := range validation.IsDNS1123Label(name) {
		errs = append(errs, FieldError{Field: "vmName", Message: msg})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ParseHostPrefix parses a host address with prefix length, such as
// 10.10.0.1/24. The address must be a usable unicast host inside a prefix
// that leaves room for at least one more host.
func ParseHostPrefix(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("must be an address with prefix length such as 10.10.0.1/24")
	}

	addr := p.Addr()
	switch {
	case addr.Zone() != "":
		return netip.Prefix{}, fmt.Errorf("must not carry a zone")
	case addr.Is4In6():
		return netip.Prefix{}, fmt.Errorf("must not be an IPv4-mapped address")
	case !addr.IsGlobalUnicast():
		return netip.Prefix{}, fmt.Errorf("must be a unicast host address")
	case addr.Is4() && p.Bits() > 30:
		return netip.Prefix{}, fmt.Errorf("IPv4 prefix length must be 30 or shorter")
	case addr.Is6() && p.Bits() > 126:
		return netip.Prefix{}, fmt.Errorf("IPv6 prefix length must be 126 or shorter")
	case addr == p.Masked().Addr():
		return netip.Prefix{}, fmt.Errorf("must not be the network address")
	case addr.Is4() && addr == BroadcastAddr(p):
		return netip.Prefix{}, fmt.Errorf("must not be the broadcast address")
	}
	return p, nil
}

// ParseUpstream parses an IP address with an optional port.
func ParseUpstream(s string) (netip.AddrPort, error) {
	if s == "" {
		return netip.AddrPort{}, fmt.Errorf("is required")
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		addr, aerr := netip.ParseAddr(s)
		if aerr != nil {
			return netip.AddrPort{}, fmt.Errorf("must be an IP address with optional port such as 100.100.100.100 or [::1]:53")
		}
		ap = netip.AddrPortFrom(addr, DefaultDNSPort)
	}
	if ap.Addr().IsUnspecified() || ap.Addr().IsMulticast() {
		return netip.AddrPort{}, fmt.Errorf("must be a unicast address")
	}
	if ap.Port() == 0 {
		return netip.AddrPort{}, fmt.Errorf("port must not be zero")
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// BroadcastAddr returns the last address of an IPv4 prefix.
func BroadcastAddr(p netip.Prefix) netip.Addr {
	b := p.Masked().Addr().As4()
	bits := p.Bits()
	for i := 0; i < 4; i++ {
		for j := 0; j < 8; j++ {
			if i*8+j >= bits {
				b[i] |= 1 << (7 - j)
			}
		}
	}
	return netip.AddrFrom4(b)
}

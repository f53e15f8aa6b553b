package ipaddr

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Class describes the shape of a validated address string.
type Class string

const (
	ClassIPv4 Class = "ipv4"
	ClassIPv6 Class = "ipv6"
	ClassCIDR Class = "cidr"
)

var ErrInvalidAddress = errors.New("ipaddr: invalid address")

// Policy lists networks that are rejected even though they parse, e.g.
// private or reserved ranges a deployment does not want in its blacklist.
type Policy struct {
	excluded []*net.IPNet
}

// NewPolicy parses the given CIDR strings into an exclusion policy.
// Malformed entries are reported instead of silently dropped.
func NewPolicy(excludedCIDRs []string) (*Policy, error) {
	p := &Policy{}
	for _, raw := range excludedCIDRs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("ipaddr: excluded network %q: %w", raw, err)
		}
		p.excluded = append(p.excluded, ipnet)
	}
	return p, nil
}

// Excludes reports whether the given parsed IP falls into an excluded network.
func (p *Policy) Excludes(ip net.IP) bool {
	if p == nil || ip == nil {
		return false
	}
	for _, ipnet := range p.excluded {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// ExcludesNet reports whether the given network overlaps an excluded network.
func (p *Policy) ExcludesNet(ipnet *net.IPNet) bool {
	if p == nil || ipnet == nil {
		return false
	}
	for _, ex := range p.excluded {
		if ex.Contains(ipnet.IP) || ipnet.Contains(ex.IP) {
			return true
		}
	}
	return false
}

// Classify parses and classifies an address string. It returns the class and
// a canonical form suitable for comparison and storage (e.g. 192.000.002.001
// never appears; CIDRs are reduced to their network address). Empty strings,
// out-of-range octets, malformed prefixes and policy-excluded networks are
// rejected with ErrInvalidAddress.
func Classify(address string, policy *Policy) (Class, string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", "", fmt.Errorf("%w: empty string", ErrInvalidAddress)
	}

	if strings.Contains(address, "/") {
		_, ipnet, err := net.ParseCIDR(address)
		if err != nil {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
		}
		if policy.ExcludesNet(ipnet) {
			return "", "", fmt.Errorf("%w: %q is excluded by policy", ErrInvalidAddress, address)
		}
		return ClassCIDR, ipnet.String(), nil
	}

	parsed := net.ParseIP(address)
	if parsed == nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	if policy.Excludes(parsed) {
		return "", "", fmt.Errorf("%w: %q is excluded by policy", ErrInvalidAddress, address)
	}

	if v4 := parsed.To4(); v4 != nil {
		return ClassIPv4, v4.String(), nil
	}
	return ClassIPv6, parsed.String(), nil
}

// NormalizeIPv4 returns the canonical dotted-quad form of raw, or "" when raw
// is not a plain IPv4 address.
func NormalizeIPv4(raw string) string {
	parsed := net.ParseIP(strings.TrimSpace(raw))
	if parsed == nil {
		return ""
	}
	v4 := parsed.To4()
	if v4 == nil {
		return ""
	}
	return v4.String()
}

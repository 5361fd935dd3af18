package core

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Addr is a numeric network endpoint (IP literal and port). The zero value
// is invalid.
type Addr struct {
	ap netip.AddrPort
}

// ParseAddr accepts "host:port", "host", "[v6]:port", "[v6]" and bare IPv6
// literals. Hosts must be IP literals; the port defaults to 0.
func ParseAddr(s string) (Addr, error) {
	host, portStr := s, ""
	hasPort := false

	switch {
	case strings.HasPrefix(s, "["):
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return Addr{}, fmt.Errorf("%w: %q: missing ']'", ErrParse, s)
		}
		host = s[1:end]
		rest := s[end+1:]
		if rest != "" {
			if rest[0] != ':' {
				return Addr{}, fmt.Errorf("%w: %q: unexpected %q after ']'", ErrParse, s, rest)
			}
			portStr, hasPort = rest[1:], true
		}
	case strings.Count(s, ":") == 1:
		i := strings.IndexByte(s, ':')
		host, portStr, hasPort = s[:i], s[i+1:], true
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		return Addr{}, fmt.Errorf("%w: %q: %v", ErrParse, s, err)
	}

	var port uint64
	if hasPort {
		port, err = strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return Addr{}, fmt.Errorf("%w: %q: bad port", ErrParse, s)
		}
	}

	return Addr{ap: netip.AddrPortFrom(ip, uint16(port))}, nil
}

// MustParseAddr is ParseAddr that panics on error
func MustParseAddr(s string) Addr {
	a, err := ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AddrFrom builds an Addr from an IP and port
func AddrFrom(ip netip.Addr, port uint16) Addr {
	return Addr{ap: netip.AddrPortFrom(ip, port)}
}

// IsValid reports whether a holds an address
func (a Addr) IsValid() bool { return a.ap.Addr().IsValid() }

// IP returns the address part
func (a Addr) IP() netip.Addr { return a.ap.Addr() }

// Port returns the port
func (a Addr) Port() uint16 { return a.ap.Port() }

// WithPort returns a copy of a with the port replaced
func (a Addr) WithPort(port uint16) Addr {
	return Addr{ap: netip.AddrPortFrom(a.ap.Addr(), port)}
}

// Host formats the address without the port
func (a Addr) Host() string {
	if !a.IsValid() {
		return ""
	}
	return a.ap.Addr().String()
}

// String formats "host:port", bracketing IPv6 hosts
func (a Addr) String() string {
	if !a.IsValid() {
		return "invalid"
	}
	return a.ap.String()
}

// AddrPort exposes the underlying netip value
func (a Addr) AddrPort() netip.AddrPort { return a.ap }

func (a Addr) family() int {
	if a.ap.Addr().Is4() || a.ap.Addr().Is4In6() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func (a Addr) sockaddr() unix.Sockaddr {
	ip := a.ap.Addr()
	if ip.Is4() || ip.Is4In6() {
		return &unix.SockaddrInet4{Port: int(a.ap.Port()), Addr: ip.Unmap().As4()}
	}
	sa := &unix.SockaddrInet6{Port: int(a.ap.Port()), Addr: ip.As16()}
	if zone := ip.Zone(); zone != "" {
		if idx, err := strconv.Atoi(zone); err == nil {
			sa.ZoneId = uint32(idx)
		}
	}
	return sa
}

func addrFromSockaddr(sa unix.Sockaddr) Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return AddrFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		ip := netip.AddrFrom16(sa.Addr)
		if ip.Is4In6() {
			ip = ip.Unmap()
		}
		return AddrFrom(ip, uint16(sa.Port))
	}
	return Addr{}
}

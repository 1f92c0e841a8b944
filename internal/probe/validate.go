package probe

import (
	"net/netip"
	"regexp"
	"strings"
)

const maxHostLength = 255

var (
	hostCharset = regexp.MustCompile(`^[A-Za-z0-9.-]+$`)
	dottedQuad  = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
	numericOnly = regexp.MustCompile(`^[0-9.]+$`)
)

var deniedHosts = map[string]struct{}{
	"localhost":             {},
	"localhost.localdomain": {},
	"ip6-localhost":         {},
	"127.0.0.1":             {},
	"0.0.0.0":               {},
	"::1":                   {},
	"255.255.255.255":       {},
}

// ValidateHost rejects hosts the monitor must never probe. It performs no I/O.
func ValidateHost(host string) error {
	if host == "" {
		return validationError(host, "host is empty")
	}
	if len(host) > maxHostLength {
		return validationError(host[:32]+"...", "host exceeds %d characters", maxHostLength)
	}
	if _, denied := deniedHosts[strings.ToLower(host)]; denied {
		return validationError(host, "host is a loopback or local address")
	}
	if !hostCharset.MatchString(host) {
		return validationError(host, "host contains characters outside [A-Za-z0-9.-]")
	}
	if strings.HasPrefix(host, "-") || strings.HasPrefix(host, ".") || strings.Contains(host, "..") {
		return validationError(host, "host is not a valid hostname")
	}
	if numericOnly.MatchString(host) {
		if !dottedQuad.MatchString(host) {
			return validationError(host, "malformed IPv4 address")
		}
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return validationError(host, "malformed IPv4 address: %v", err)
		}
		if localAddr(addr) {
			return validationError(host, "host is a loopback or local address")
		}
	}
	return nil
}

func localAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsUnspecified() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		return true
	}
	return addr == netip.AddrFrom4([4]byte{255, 255, 255, 255})
}

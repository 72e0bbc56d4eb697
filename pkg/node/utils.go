package node

import (
	"net"
	"strings"
)

// NormalizeHostPort strips an http:// or https:// scheme from addr and
// appends defPort when no port is present.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}
	addr = strings.TrimSuffix(addr, "/")

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, defPort)
}

// AdvertiseAddr picks the address registered with discovery: the configured
// one if set, otherwise the listen address with an empty host replaced by
// fallbackHost.
func AdvertiseAddr(configured, listen, fallbackHost string) string {
	if configured != "" {
		return NormalizeHostPort(configured, DefaultPort)
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return NormalizeHostPort(fallbackHost, DefaultPort)
	}
	if host == "" {
		host = fallbackHost
	}
	return net.JoinHostPort(host, port)
}

// Package netutils binds the listeners of daemons.
package netutils

import (
	"fmt"
	"net"
	"strings"
)

// listenNetworks returns the networks to bind addr on. An empty host binds
// both on IPv4 and IPv6.
func listenNetworks(addr string) ([]string, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("%q is not a host:port address", addr)
	}
	if host == "" {
		return []string{"tcp4", "tcp6"}, nil
	}
	if i := strings.IndexByte(host, '%'); i != -1 {
		host = host[:i]
	}
	ip := net.ParseIP(host)
	switch {
	case ip == nil:
		// Hostnames are not resolved, to avoid binding to whatever the
		// resolver returns.
		return nil, fmt.Errorf("%q is not an IP address", host)
	case ip.To4() == nil:
		return []string{"tcp6"}, nil
	default:
		return []string{"tcp4"}, nil
	}
}

// ListenAll binds to every address. Either all of them are bound or the ones
// already bound are closed and an error is returned.
func ListenAll(addrs []string) ([]net.Listener, error) {
	var res []net.Listener
	closeAll := func() {
		for _, l := range res {
			l.Close()
		}
	}
	for _, addr := range addrs {
		networks, err := listenNetworks(addr)
		if err != nil {
			closeAll()
			return nil, err
		}
		for _, network := range networks {
			l, err := net.Listen(network, addr)
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("unable to listen on %s:%s: %w",
					network, addr, err)
			}
			res = append(res, l)
		}
	}
	return res, nil
}

package netmon

import (
	"context"
	"net"
	"strings"
)

// DefaultProbeAddress is dialed to decide internet reachability.
const DefaultProbeAddress = "1.1.1.1:443"

// ProbeSource observes connectivity from the host's network interfaces and
// a TCP dial to a well-known address.
type ProbeSource struct {
	// Address is dialed to test reachability. Defaults to DefaultProbeAddress.
	Address string

	// Interfaces lists the host interfaces. Defaults to net.Interfaces.
	Interfaces func() ([]net.Interface, error)

	// Dial opens the reachability connection. Defaults to a net.Dialer.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// Current reports the link state of the first active non-loopback
// interface and whether Address answers before ctx expires.
func (p *ProbeSource) Current(ctx context.Context) (State, error) {
	list := p.Interfaces
	if list == nil {
		list = net.Interfaces
	}
	ifaces, err := list()
	if err != nil {
		return Offline(), err
	}

	s := State{Transport: TransportNone}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		s.IsConnected = true
		s.Transport = transportOf(iface.Name)
		break
	}
	if !s.IsConnected {
		return normalize(s), nil
	}

	addr := p.Address
	if addr == "" {
		addr = DefaultProbeAddress
	}
	dial := p.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	conn, err := dial(ctx, "tcp", addr)
	if err == nil {
		conn.Close()
		s.IsReachable = true
	}
	return normalize(s), nil
}

// transportOf guesses the transport from common interface naming schemes.
func transportOf(name string) Transport {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "wl"), strings.HasPrefix(n, "wifi"), strings.HasPrefix(n, "ath"):
		return TransportWiFi
	case strings.HasPrefix(n, "ww"), strings.HasPrefix(n, "rmnet"), strings.HasPrefix(n, "pdp_ip"), strings.HasPrefix(n, "ccmni"):
		return TransportCellular
	case strings.HasPrefix(n, "eth"), strings.HasPrefix(n, "en"):
		return TransportEthernet
	}
	return TransportUnknown
}

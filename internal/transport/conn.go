package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

var ErrSocket = errors.New("transport: socket error")

// packetWriter is the send half of the socket.
type packetWriter interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

func listen(ctx context.Context, s Settings, groups []*net.UDPAddr) (net.PacketConn, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", s.Listen)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %w", ErrSocket, s.Listen, err)
	}
	if uc, ok := pc.(*net.UDPConn); ok && s.QueueLength > 0 {
		_ = uc.SetReadBuffer(s.QueueLength)
		_ = uc.SetWriteBuffer(s.QueueLength)
	}
	if s.Kind != KindMulticast {
		return pc, nil
	}
	if err := joinGroups(pc, s, groups); err != nil {
		pc.Close()
		return nil, err
	}
	return pc, nil
}

func joinGroups(pc net.PacketConn, s Settings, groups []*net.UDPAddr) error {
	p := ipv4.NewPacketConn(pc)
	for _, g := range groups {
		if !g.IP.IsMulticast() {
			return fmt.Errorf("%w: %s is not a multicast group", ErrSocket, g)
		}
		if err := p.JoinGroup(nil, &net.UDPAddr{IP: g.IP}); err != nil {
			return fmt.Errorf("%w: join %s: %w", ErrSocket, g, err)
		}
	}
	if s.MulticastTTL > 0 {
		if err := p.SetMulticastTTL(s.MulticastTTL); err != nil {
			return fmt.Errorf("%w: multicast ttl: %w", ErrSocket, err)
		}
	}
	if err := p.SetMulticastLoopback(s.MulticastLoopback); err != nil {
		return fmt.Errorf("%w: multicast loopback: %w", ErrSocket, err)
	}
	return nil
}

func resolveHosts(hosts []string) ([]*net.UDPAddr, error) {
	out := make([]*net.UDPAddr, 0, len(hosts))
	for _, h := range hosts {
		addr, err := net.ResolveUDPAddr("udp4", h)
		if err != nil {
			return nil, fmt.Errorf("resolve host %q: %w", h, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

package dhcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"golang.org/x/sync/errgroup"

	"grimm.is/enclave/internal/logging"
)

// ReaperInterval is how often expired leases are dropped.
const ReaperInterval = time.Minute

// ListenFunc opens the DHCP socket for one interface.
type ListenFunc func(iface string, addr *net.UDPAddr) (net.PacketConn, error)

// Server answers DHCPv4 on every segment interface, one socket per scope.
type Server struct {
	scopes []Scope
	stores map[string]*LeaseStore
	listen ListenFunc
	logger *logging.Logger

	mu    sync.Mutex
	conns []net.PacketConn
}

// NewServer creates a server for scopes. Sockets are opened by Run.
func NewServer(scopes []Scope, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		scopes: scopes,
		stores: make(map[string]*LeaseStore, len(scopes)),
		listen: func(iface string, addr *net.UDPAddr) (net.PacketConn, error) {
			return server4.NewIPv4UDPConn(iface, addr)
		},
		logger: logger.WithComponent("dhcp"),
	}
	for _, sc := range scopes {
		s.stores[sc.Segment] = NewLeaseStore(sc)
	}
	return s
}

// Run serves until ctx is cancelled. A scope whose interface cannot be
// bound is logged and skipped; the remaining segments keep DHCP.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, sc := range s.scopes {
		conn, err := s.listen(sc.Interface, &net.UDPAddr{IP: net.IPv4zero, Port: dhcpv4.ServerPort})
		if err != nil {
			s.logger.Warn("cannot listen for DHCP", "segment", sc.Segment, "interface", sc.Interface, "error", err)
			continue
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.logger.Info("serving DHCP", "segment", sc.Segment, "interface", sc.Interface,
			"range", fmt.Sprintf("%s-%s", sc.RangeStart, sc.RangeEnd))
		g.Go(func() error {
			s.serve(ctx, conn, sc)
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(ReaperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.expire()
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, c := range s.conns {
			c.Close()
		}
		s.conns = nil
		return nil
	})

	return g.Wait()
}

func (s *Server) expire() {
	for _, sc := range s.scopes {
		for _, l := range s.stores[sc.Segment].ExpireLeases() {
			s.logger.Debug("lease expired", "segment", l.Segment, "mac", l.MAC, "ip", l.IP)
		}
	}
}

// Leases returns every active lease.
func (s *Server) Leases() []Lease {
	var out []Lease
	for _, sc := range s.scopes {
		out = append(out, s.stores[sc.Segment].Leases()...)
	}
	return out
}

// serve runs the read loop for one socket.
func (s *Server) serve(ctx context.Context, conn net.PacketConn, sc Scope) {
	buf := make([]byte, 4096)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Error("DHCP read failed", "segment", sc.Segment, "error", err)
			}
			return
		}
		req, err := dhcpv4.FromBytes(buf[:n])
		if err != nil {
			continue
		}
		reply, err := s.Handle(sc.Segment, req)
		if err != nil {
			s.logger.Warn("DHCP request not answered", "segment", sc.Segment, "mac", req.ClientHWAddr, "error", err)
			continue
		}
		if reply == nil {
			continue
		}
		if _, err := conn.WriteTo(reply.ToBytes(), replyDest(peer)); err != nil {
			s.logger.Warn("DHCP reply failed", "segment", sc.Segment, "peer", peer, "error", err)
		}
	}
}

// replyDest broadcasts to clients that do not have an address yet.
func replyDest(peer net.Addr) net.Addr {
	if udp, ok := peer.(*net.UDPAddr); ok && (udp.IP == nil || udp.IP.IsUnspecified()) {
		return &net.UDPAddr{IP: net.IPv4bcast, Port: dhcpv4.ClientPort}
	}
	return peer
}

// Handle answers one message for the named segment. It returns a nil reply
// for messages that need none.
func (s *Server) Handle(segment string, m *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, error) {
	store, ok := s.stores[segment]
	if !ok {
		return nil, fmt.Errorf("no scope for segment %q", segment)
	}
	sc := store.scope
	mac := m.ClientHWAddr.String()

	switch m.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		ip, err := store.Allocate(mac)
		if err != nil {
			return nil, err
		}
		return dhcpv4.NewReplyFromRequest(m, scopeModifiers(sc, dhcpv4.MessageTypeOffer, ip)...)

	case dhcpv4.MessageTypeRequest:
		requested := m.RequestedIPAddress()
		if requested == nil || requested.IsUnspecified() {
			requested = m.ClientIPAddr
		}
		// A request is only acknowledged for the address this client holds.
		if want, ok := netip.AddrFromSlice(requested.To4()); ok && !want.IsUnspecified() {
			if cur, held := store.Current(mac); !held || cur != want {
				s.logger.Info("DHCP NAK", "segment", segment, "mac", mac, "requested", want, "held", cur)
				return dhcpv4.NewReplyFromRequest(m,
					dhcpv4.WithMessageType(dhcpv4.MessageTypeNak),
					dhcpv4.WithServerIP(net.IP(sc.Router.AsSlice())),
				)
			}
		}
		ip, err := store.Allocate(mac)
		if err != nil {
			return nil, err
		}
		if host := m.HostName(); host != "" {
			store.SetHostname(mac, host)
		}
		s.logger.Debug("DHCP ACK", "segment", segment, "mac", mac, "ip", ip, "hostname", m.HostName())
		return dhcpv4.NewReplyFromRequest(m, scopeModifiers(sc, dhcpv4.MessageTypeAck, ip)...)

	case dhcpv4.MessageTypeRelease:
		store.Release(mac)
		return nil, nil
	}
	return nil, nil
}

func scopeModifiers(sc Scope, mt dhcpv4.MessageType, ip netip.Addr) []dhcpv4.Modifier {
	router := net.IP(sc.Router.AsSlice())
	dns := make([]net.IP, len(sc.DNS))
	for i, d := range sc.DNS {
		dns[i] = net.IP(d.AsSlice())
	}
	mods := []dhcpv4.Modifier{
		dhcpv4.WithMessageType(mt),
		dhcpv4.WithYourIP(net.IP(ip.AsSlice())),
		dhcpv4.WithServerIP(router),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(router)),
		dhcpv4.WithRouter(router),
		dhcpv4.WithNetmask(net.CIDRMask(sc.Subnet.Bits(), 32)),
		dhcpv4.WithDNS(dns...),
		dhcpv4.WithLeaseTime(uint32(sc.LeaseTime / time.Second)),
	}
	if sc.Domain != "" {
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptDomainName(sc.Domain)))
	}
	return mods
}

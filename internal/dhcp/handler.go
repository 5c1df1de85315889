package dhcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/hivemind-dhcp/hivemind/internal/config"
	"github.com/hivemind-dhcp/hivemind/internal/events"
	"github.com/hivemind-dhcp/hivemind/internal/lease"
	"github.com/hivemind-dhcp/hivemind/internal/metrics"
	"github.com/hivemind-dhcp/hivemind/internal/pool"
)

// Handler is the allocation engine. It owns no lease state: every decision is
// made against the lease store, and no lock is held across store calls.
type Handler struct {
	catalog  *pool.Catalog
	leases   *lease.Manager
	bus      *events.Bus
	limiter  *RateLimiter
	logger   *slog.Logger
	serverIP net.IP
}

// NewHandler creates a new message handler. bus may be nil.
func NewHandler(cfg *config.Config, catalog *pool.Catalog, leases *lease.Manager, bus *events.Bus, logger *slog.Logger) *Handler {
	return &Handler{
		catalog:  catalog,
		leases:   leases,
		bus:      bus,
		logger:   logger,
		serverIP: cfg.ServerIP(),
	}
}

// SetRateLimiter installs a DISCOVER rate limiter.
func (h *Handler) SetRateLimiter(rl *RateLimiter) {
	h.limiter = rl
}

// Catalog returns the subnet catalog the handler allocates from.
func (h *Handler) Catalog() *pool.Catalog {
	return h.catalog
}

// Handle runs one validated request through the engine. A nil Response with a
// nil error never happens: silent outcomes are reported as errors for which
// isSilentDrop holds.
func (h *Handler) Handle(ctx context.Context, req Request) (Response, error) {
	switch r := req.(type) {
	case *Discover:
		return h.handleDiscover(ctx, r)
	case *RequestMsg:
		return h.handleRequest(ctx, r)
	default:
		return nil, fmt.Errorf("%w: unsupported request %T", ErrMalformedMessage, req)
	}
}

// resolve maps a relay address to its subnet, first match in configuration order.
func (h *Handler) resolve(relayIP string) (*pool.Subnet, net.IP, error) {
	relay := net.ParseIP(relayIP).To4()
	if relay == nil {
		metrics.NoSubnet.Inc()
		return nil, nil, fmt.Errorf("%w: relay_ip %q is not an IPv4 address", ErrNoApplicableSubnet, relayIP)
	}
	subnet, ok := h.catalog.FindForRelay(relay)
	if !ok {
		metrics.NoSubnet.Inc()
		return nil, nil, fmt.Errorf("%w: relay %s", ErrNoApplicableSubnet, relay)
	}
	return subnet, relay, nil
}

// handleDiscover claims the first free address of the relay's subnet and offers it.
func (h *Handler) handleDiscover(ctx context.Context, d *Discover) (Response, error) {
	if h.limiter != nil && !h.limiter.Allow(d.ClientMAC) {
		metrics.RateLimited.Inc()
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, d.ClientMAC)
	}

	h.logger.Info("DHCPDISCOVER",
		"mac", d.ClientMAC,
		"hostname", d.Hostname,
		"relay_ip", d.RelayIP)

	h.bus.Publish(events.Event{
		Type:      events.EventLeaseDiscover,
		Timestamp: time.Now(),
		Lease: &events.LeaseData{
			MAC:      d.ClientMAC,
			Hostname: d.Hostname,
			RelayIP:  net.ParseIP(d.RelayIP),
		},
	})

	subnet, relay, err := h.resolve(d.RelayIP)
	if err != nil {
		h.publishDrop(events.EventNoSubnet, d.ClientMAC, nil, err)
		return nil, err
	}

	ip, err := h.claimFirst(ctx, subnet, relay, d)
	if err != nil {
		if errors.Is(err, ErrPoolExhausted) {
			metrics.PoolExhausted.WithLabelValues(subnet.String()).Inc()
			h.logger.Warn("pool exhausted",
				"subnet", subnet.String(),
				"mac", d.ClientMAC)
			h.publishDrop(events.EventPoolExhausted, d.ClientMAC, subnet, err)
		}
		return nil, err
	}

	return &Offer{Binding: h.binding(ip, d.ClientMAC, relay, subnet)}, nil
}

// claimFirst walks the subnet's candidates in ascending order, one store round
// trip at a time, and stops at the first successful claim. A claim lost to a
// concurrent DISCOVER moves on to the next address.
func (h *Handler) claimFirst(ctx context.Context, subnet *pool.Subnet, relay net.IP, d *Discover) (net.IP, error) {
	for ip := range subnet.Candidates(relay) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		leased, err := h.leases.IsLeased(ctx, subnet.Index, ip)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		if leased {
			continue
		}

		claimed, err := h.leases.Offer(ctx, subnet.Index, &lease.Lease{
			IP:       ip,
			MAC:      d.ClientMAC,
			Hostname: d.Hostname,
		}, subnet.LeaseTime)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		if claimed {
			return ip, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPoolExhausted, subnet)
}

// handleRequest confirms an address the client already holds, or refuses it.
// A Nack never touches the store.
func (h *Handler) handleRequest(ctx context.Context, r *RequestMsg) (Response, error) {
	h.logger.Info("DHCPREQUEST",
		"mac", r.ClientMAC,
		"ip", r.ClientIP,
		"relay_ip", r.RelayIP)

	subnet, relay, err := h.resolve(r.RelayIP)
	if err != nil {
		h.publishDrop(events.EventNoSubnet, r.ClientMAC, nil, err)
		return nil, err
	}

	ip := net.ParseIP(r.ClientIP).To4()
	if ip == nil || !subnet.IsUsable(ip) {
		return h.nack(r, relay, subnet, ErrLeaseNotFound), nil
	}

	existing, err := h.leases.Lookup(ctx, subnet.Index, ip)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if existing == nil {
		return h.nack(r, relay, subnet, ErrLeaseNotFound), nil
	}
	if !existing.OwnedBy(r.ClientMAC) {
		h.logger.Warn("DHCPREQUEST for address leased to another client",
			"ip", ip.String(),
			"mac", r.ClientMAC,
			"lease_mac", existing.MAC)
		return h.nack(r, relay, subnet, ErrLeaseOwnerMismatch), nil
	}

	confirmed, err := h.leases.Confirm(ctx, subnet.Index, &lease.Lease{
		IP:       ip,
		MAC:      r.ClientMAC,
		Hostname: r.Hostname,
	}, subnet.LeaseTime)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if !confirmed {
		// The lease lapsed after the lookup and another client claimed it.
		return h.nack(r, relay, subnet, ErrLeaseOwnerMismatch), nil
	}

	return &Ack{Binding: h.binding(ip, r.ClientMAC, relay, subnet)}, nil
}

// binding fills an Offer/Ack. The relay address doubles as the router.
func (h *Handler) binding(ip net.IP, mac string, relay net.IP, subnet *pool.Subnet) Binding {
	return Binding{
		ClientIP:   ip,
		ClientMAC:  mac,
		ServerIP:   h.serverIP,
		RelayIP:    relay,
		LeaseTime:  subnet.LeaseTime,
		SubnetMask: subnet.MaskString(),
		Router:     relay,
	}
}

func (h *Handler) nack(r *RequestMsg, relay net.IP, subnet *pool.Subnet, reason error) *Nack {
	metrics.LeaseOperations.WithLabelValues("nak").Inc()
	h.logger.Info("DHCPNACK",
		"ip", r.ClientIP,
		"mac", r.ClientMAC,
		"subnet", subnet.String(),
		"reason", reason.Error())

	h.bus.Publish(events.Event{
		Type:      events.EventLeaseNak,
		Timestamp: time.Now(),
		Lease: &events.LeaseData{
			IP:        net.ParseIP(r.ClientIP),
			MAC:       r.ClientMAC,
			Subnet:    subnet.String(),
			Partition: subnet.Index,
			RelayIP:   relay,
		},
		Reason: reason.Error(),
	})

	return &Nack{
		ClientIP:   r.ClientIP,
		ClientMAC:  r.ClientMAC,
		ServerIP:   h.serverIP,
		RelayIP:    relay,
		SubnetMask: subnet.MaskString(),
		Router:     relay,
		Reason:     reason.Error(),
	}
}

func (h *Handler) publishDrop(t events.EventType, mac string, subnet *pool.Subnet, err error) {
	d := &events.LeaseData{MAC: mac}
	if subnet != nil {
		d.Subnet = subnet.String()
		d.Partition = subnet.Index
	}
	h.bus.Publish(events.Event{
		Type:      t,
		Timestamp: time.Now(),
		Lease:     d,
		Reason:    err.Error(),
	})
}

package serviceresolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/ruteri/medvault-enclave/keyserver"
)

// DefaultDNSServer is the local stub resolver.
const DefaultDNSServer = "127.0.0.53:53"

// Endpoint is one SRV record answer.
type Endpoint struct {
	Target   string
	Port     uint16
	Priority uint16
	Weight   uint16
}

// Host returns the target without the trailing root dot.
func (e Endpoint) Host() string {
	return strings.TrimSuffix(e.Target, ".")
}

// URL returns the base URL of the endpoint.
func (e Endpoint) URL(scheme string) string {
	return scheme + "://" + net.JoinHostPort(e.Host(), strconv.Itoa(int(e.Port)))
}

// NodeID is the first label of the target. Key servers are published as
// <node id>.<service domain>.
func (e Endpoint) NodeID() interfaces.NodeID {
	host, _, _ := strings.Cut(e.Host(), ".")
	return interfaces.NodeID(host)
}

// Resolver discovers key server endpoints through DNS SRV records.
type Resolver struct {
	server string
	client *dns.Client
	log    *slog.Logger
}

func NewResolver(server string, log *slog.Logger) *Resolver {
	if server == "" {
		server = DefaultDNSServer
	}
	return &Resolver{
		server: server,
		client: &dns.Client{Timeout: 5 * time.Second},
		log:    log,
	}
}

// LookupSRV returns the SRV answers for name ordered by priority, then descending weight.
func (r *Resolver) LookupSRV(ctx context.Context, name string) ([]Endpoint, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeSRV)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, fmt.Errorf("%w: srv lookup %s: %w", interfaces.ErrBackendUnavailable, name, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("srv lookup %s: %s", name, dns.RcodeToString[in.Rcode])
	}

	endpoints := make([]Endpoint, 0, len(in.Answer))
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			endpoints = append(endpoints, Endpoint{Target: srv.Target, Port: srv.Port, Priority: srv.Priority, Weight: srv.Weight})
		}
	}
	slices.SortStableFunc(endpoints, func(a, b Endpoint) int {
		if a.Priority != b.Priority {
			return int(a.Priority) - int(b.Priority)
		}
		return int(b.Weight) - int(a.Weight)
	})
	return endpoints, nil
}

// ResolveCommittee fills in the URL of every committee node from the SRV records of name.
// Nodes are matched by the first label of the record target. Records for nodes outside the
// committee are ignored; a committee node without a record is an error.
func (r *Resolver) ResolveCommittee(ctx context.Context, cfg *keyserver.CommitteeConfig, name, scheme string) error {
	endpoints, err := r.LookupSRV(ctx, name)
	if err != nil {
		return err
	}

	byNode := make(map[interfaces.NodeID]Endpoint, len(endpoints))
	for _, ep := range endpoints {
		if _, seen := byNode[ep.NodeID()]; !seen {
			byNode[ep.NodeID()] = ep
		}
	}

	var missing []error
	for i := range cfg.Nodes {
		ep, ok := byNode[cfg.Nodes[i].ID]
		if !ok {
			missing = append(missing, fmt.Errorf("no srv record for key server %s", cfg.Nodes[i].ID))
			continue
		}
		cfg.Nodes[i].URL = ep.URL(scheme)
		r.log.Debug("resolved key server", "node", cfg.Nodes[i].ID, "url", cfg.Nodes[i].URL)
	}
	return errors.Join(missing...)
}

// Package dnsx resolves hostnames to the IP addresses the connect
// entry point requires. It is a simplistic client where we manually
// create and submit A and AAAA queries over UDP.
package dnsx

import (
	"context"
	"errors"
	"net"

	"github.com/miekg/dns"
)

// Resolver resolves hostnames using a specific DNS server.
type Resolver struct {
	// Server is the host, port UDP endpoint of the DNS server.
	Server string

	client dns.Client
}

// New creates a new Resolver using the given server.
func New(server string) *Resolver {
	return &Resolver{Server: server}
}

// LookupHost returns the IP addresses of hostname.
func (r *Resolver) LookupHost(ctx context.Context, hostname string) ([]net.IP, error) {
	var addrs []net.IP
	replyA, errA := r.roundTrip(ctx, hostname, dns.TypeA)
	if errA == nil {
		for _, answer := range replyA.Answer {
			if rra, ok := answer.(*dns.A); ok {
				addrs = append(addrs, rra.A)
			}
		}
	}
	replyAAAA, errAAAA := r.roundTrip(ctx, hostname, dns.TypeAAAA)
	if errAAAA == nil {
		for _, answer := range replyAAAA.Answer {
			if rra, ok := answer.(*dns.AAAA); ok {
				addrs = append(addrs, rra.AAAA)
			}
		}
	}
	return lookupHostResult(addrs, errA, errAAAA)
}

func lookupHostResult(addrs []net.IP, errA, errAAAA error) ([]net.IP, error) {
	if len(addrs) > 0 {
		return addrs, nil
	}
	if errA != nil {
		return nil, errA
	}
	if errAAAA != nil {
		return nil, errAAAA
	}
	return nil, errors.New("dnsx: no addresses returned")
}

func (r *Resolver) roundTrip(
	ctx context.Context, hostname string, qtype uint16,
) (*dns.Msg, error) {
	query := new(dns.Msg)
	query.Id = dns.Id()
	query.RecursionDesired = true
	query.Question = []dns.Question{{
		Name:   dns.Fqdn(hostname),
		Qtype:  qtype,
		Qclass: dns.ClassINET,
	}}
	reply, _, err := r.client.ExchangeContext(ctx, query, r.Server)
	if err != nil {
		return nil, err
	}
	if reply.Rcode != dns.RcodeSuccess {
		return nil, errors.New("dnsx: query failed: " + dns.RcodeToString[reply.Rcode])
	}
	return reply, nil
}

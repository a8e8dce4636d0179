package hostnet

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"

	"sockpool/engine"
	"sockpool/internal/retry"
	"sockpool/util"
)

// fallbackTTL is how long answers from the Go resolver are cached; it
// does not report record TTLs.
const fallbackTTL = 30 * time.Second

type cacheKey struct {
	name  string
	qtype engine.DNSQueryType
}

type cacheEntry struct {
	addrs   []netip.Addr
	expires time.Time
}

// resolver answers DNSQuery.  Answers are cached for their TTL; the
// upstream server sits behind a circuit breaker so a dead server fails
// fast instead of costing a timeout per lookup.
type resolver struct {
	server  string
	client  *dns.Client
	breaker *retry.CircuitBreaker
	cache   *lru.Cache[cacheKey, cacheEntry]
	log     *util.Logger
	now     func() time.Time
}

func newResolver(cfg Config, log *util.Logger) (*resolver, error) {
	cache, err := lru.New[cacheKey, cacheEntry](cfg.DNSCache)
	if err != nil {
		return nil, fmt.Errorf("dns cache: %w", err)
	}
	r := &resolver{
		server: cfg.DNSServer,
		client: &dns.Client{Net: "udp", Timeout: cfg.DNSTimeout},
		cache:  cache,
		log:    log.Named("dns"),
		now:    time.Now,
	}
	r.breaker = retry.NewCircuitBreaker(retry.BreakerConfig{
		MaxFailures:  3,
		ResetTimeout: 10 * time.Second,
		OnStateChange: func(from, to retry.State) {
			r.log.Verbose("upstream %s: circuit %v -> %v", r.server, from, to)
		},
	})
	return r, nil
}

// DNSQuery implements engine.Stack.
func (s *Stack) DNSQuery(ctx context.Context, name string, qtype engine.DNSQueryType) ([]netip.Addr, error) {
	return s.dns.query(ctx, name, qtype)
}

func (r *resolver) query(ctx context.Context, name string, qtype engine.DNSQueryType) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(name); err == nil {
		if !qtype.Matches(addr) {
			return nil, fmt.Errorf("%w: %s %s: literal of the other family", engine.ErrDNSFailed, qtype, name)
		}
		return []netip.Addr{addr.Unmap()}, nil
	}
	key := cacheKey{name: dns.Fqdn(strings.ToLower(name)), qtype: qtype}
	if e, ok := r.cache.Get(key); ok {
		if r.now().Before(e.expires) {
			return slices.Clone(e.addrs), nil
		}
		r.cache.Remove(key)
	}

	var (
		addrs []netip.Addr
		ttl   time.Duration
		err   error
	)
	if r.server == "" {
		addrs, err = r.lookupHost(ctx, key)
		ttl = fallbackTTL
	} else {
		err = r.breaker.Execute(func() error {
			var qerr error
			addrs, ttl, qerr = r.exchange(ctx, key)
			return qerr
		})
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", engine.ErrDNSFailed, qtype, name, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s %s: no answer", engine.ErrDNSFailed, qtype, name)
	}
	if ttl > 0 {
		r.cache.Add(key, cacheEntry{addrs: slices.Clone(addrs), expires: r.now().Add(ttl)})
	}
	return addrs, nil
}

// exchange asks the upstream server.  A negative answer is a result,
// not an upstream failure, so it does not count against the breaker.
func (r *resolver) exchange(ctx context.Context, key cacheKey) ([]netip.Addr, time.Duration, error) {
	qt := dns.TypeA
	if key.qtype == engine.QueryAAAA {
		qt = dns.TypeAAAA
	}
	msg := new(dns.Msg)
	msg.SetQuestion(key.name, qt)

	in, rtt, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return nil, 0, err
	}
	r.log.Debug("%s %s: %s in %v", dns.TypeToString[qt], key.name, dns.RcodeToString[in.Rcode], rtt)
	switch in.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
	default:
		return nil, 0, fmt.Errorf("server answered %s", dns.RcodeToString[in.Rcode])
	}

	var (
		addrs []netip.Addr
		ttl   uint32
	)
	for _, rr := range in.Answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		if h := rr.Header(); len(addrs) == 0 || h.Ttl < ttl {
			ttl = h.Ttl
		}
		addrs = append(addrs, addr.Unmap())
	}
	return addrs, time.Duration(ttl) * time.Second, nil
}

func (r *resolver) lookupHost(ctx context.Context, key cacheKey) ([]netip.Addr, error) {
	network := "ip4"
	if key.qtype == engine.QueryAAAA {
		network = "ip6"
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, network, strings.TrimSuffix(key.name, "."))
	for i := range addrs {
		addrs[i] = addrs[i].Unmap()
	}
	return addrs, err
}

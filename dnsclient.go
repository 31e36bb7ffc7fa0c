package relay

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Lookuper performs the DNS queries the resolver is built on.
type Lookuper interface {
	// LookupTXT returns the values of all TXT records for name.
	LookupTXT(ctx context.Context, name string) ([]string, error)

	// LookupCNAME returns the target of the first CNAME record for name.
	LookupCNAME(ctx context.Context, name string) (string, error)

	fmt.Stringer
}

// DNSClient is a plain DNS Lookuper. Queries go over UDP first and are
// retried over TCP when the response comes back truncated.
type DNSClient struct {
	upstream string
	udp      *dns.Client
	tcp      *dns.Client
}

var _ Lookuper = &DNSClient{}

// DNSClientOptions contains options used by the plain DNS client.
type DNSClientOptions struct {
	// Upstream DNS server as host:port. If empty, the first nameserver from
	// /etc/resolv.conf is used.
	Upstream string

	// Per-query timeout, defaults to 5 seconds.
	Timeout time.Duration
}

// NewDNSClient returns a new instance of DNSClient.
func NewDNSClient(opt DNSClientOptions) (*DNSClient, error) {
	upstream := opt.Upstream
	if upstream == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, errors.Wrap(err, "loading resolv.conf")
		}
		if len(conf.Servers) == 0 {
			return nil, errors.New("no nameservers in resolv.conf")
		}
		upstream = net.JoinHostPort(conf.Servers[0], conf.Port)
	}
	timeout := opt.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &DNSClient{
		upstream: upstream,
		udp:      &dns.Client{Net: "udp", Timeout: timeout},
		tcp:      &dns.Client{Net: "tcp", Timeout: timeout},
	}, nil
}

// LookupTXT queries the TXT records of name. Multi-segment TXT values are
// joined into one logical string per record.
func (d *DNSClient) LookupTXT(ctx context.Context, name string) ([]string, error) {
	answer, err := d.exchange(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var values []string
	for _, rr := range answer {
		if txt, ok := rr.(*dns.TXT); ok {
			values = append(values, strings.Join(txt.Txt, ""))
		}
	}
	if len(values) == 0 {
		return nil, errf(ErrNoRecords, "no TXT records for %s", name)
	}
	return values, nil
}

// LookupCNAME queries the CNAME record of name and returns the first target.
func (d *DNSClient) LookupCNAME(ctx context.Context, name string) (string, error) {
	answer, err := d.exchange(ctx, name, dns.TypeCNAME)
	if err != nil {
		return "", err
	}
	for _, rr := range answer {
		if cname, ok := rr.(*dns.CNAME); ok {
			return cname.Target, nil
		}
	}
	return "", errf(ErrNoRecords, "no CNAME records for %s", name)
}

func (d *DNSClient) exchange(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), qtype)

	a, _, err := d.udp.ExchangeContext(ctx, q, d.upstream)
	if err == nil && a.Truncated {
		Log.WithField("qname", name).Debug("retrying truncated response over tcp")
		a, _, err = d.tcp.ExchangeContext(ctx, q, d.upstream)
	}
	if err != nil {
		return nil, errf(ErrLookupFailed, "%s lookup for %s: %v", dns.TypeToString[qtype], name, err)
	}
	if a.Rcode != dns.RcodeSuccess {
		return nil, errf(ErrLookupFailed, "%s lookup for %s: %s", dns.TypeToString[qtype], name, dns.RcodeToString[a.Rcode])
	}
	return a.Answer, nil
}

func (d *DNSClient) String() string {
	return fmt.Sprintf("DNS(%s)", d.upstream)
}

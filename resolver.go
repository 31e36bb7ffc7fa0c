package relay

import (
	"context"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// addressProbe is the label prefix under which applications publish the TXT
// record holding their app-id and port for a custom domain.
const addressProbe = "_dstack-app-address."

// AppAddress is the parsed content of an application's address TXT record,
// published as "app-id:port".
type AppAddress struct {
	AppID string
	Port  string
}

// ResolverOptions contains the routing policy applied to CNAME values.
type ResolverOptions struct {
	// Routing domain to use when the CNAME lookup fails or its value does
	// not match AllowedDomains. Empty disables the fallback.
	FallbackDomain string

	// Pattern a CNAME value must match to be routed to. The capture group
	// selected with CaptureGroup yields the routing domain. When nil, no
	// policy is applied and the CNAME is used as-is with a literal "_."
	// prefix stripped.
	AllowedDomains *regexp.Regexp

	// Index of the capture group in AllowedDomains holding the routing
	// domain. Defaults to 1.
	CaptureGroup int
}

// Resolver discovers the relay target for a custom domain from the DNS
// records published for it. It holds no state besides its configuration and
// is safe for concurrent use.
type Resolver struct {
	lookup Lookuper
	opt    ResolverOptions
}

// NewResolver returns a new instance of Resolver using the given Lookuper
// for DNS queries.
func NewResolver(lookup Lookuper, opt ResolverOptions) *Resolver {
	if opt.CaptureGroup == 0 {
		opt.CaptureGroup = 1
	}
	if opt.FallbackDomain != "" {
		Log.WithField("fallback", opt.FallbackDomain).Info("using fallback routing domain")
	}
	if opt.AllowedDomains != nil {
		Log.WithFields(logrus.Fields{
			"pattern": opt.AllowedDomains.String(),
			"group":   opt.CaptureGroup,
		}).Info("using allowed domain pattern")
	}
	return &Resolver{lookup: lookup, opt: opt}
}

// ResolveAppURL combines the address TXT record and the CNAME record of
// hostname into the URL the request for path should be relayed to:
// https://{app-id}.{routing-domain}{path}. Both lookups run on every call,
// nothing is cached.
func (r *Resolver) ResolveAppURL(ctx context.Context, hostname, path string) (string, error) {
	addr, err := r.lookupAppAddress(ctx, hostname)
	if err != nil {
		return "", err
	}
	routing, err := r.lookupRoutingDomain(ctx, hostname)
	if err != nil {
		return "", err
	}
	target := "https://" + addr.AppID + "." + routing + path
	logger(hostname).WithField("target", target).Debug("resolved app URL")
	return target, nil
}

// IsManagedDomain reports whether hostname publishes the DNS records of a
// managed application domain. Peripheral paths use this to decide between
// answering locally and relaying to the backend.
func (r *Resolver) IsManagedDomain(ctx context.Context, hostname string) bool {
	_, err := r.ResolveAppURL(ctx, hostname, "/")
	return err == nil
}

// lookupAppAddress reads the address record for hostname. There is no
// fallback here: without an app identity any relay target is meaningless.
func (r *Resolver) lookupAppAddress(ctx context.Context, hostname string) (AppAddress, error) {
	name := addressProbe + hostname
	values, err := r.lookup.LookupTXT(ctx, name)
	if err != nil {
		return AppAddress{}, err
	}
	// Only the first record is consulted.
	value := values[0]
	parts := strings.Split(value, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return AppAddress{}, errf(ErrMalformedRecord, "expected 'app-id:port' in TXT %s, got %q", name, value)
	}
	return AppAddress{AppID: parts[0], Port: parts[1]}, nil
}

// lookupRoutingDomain determines the gateway base domain for hostname from
// its CNAME record, applying the allowed-domain policy and fallback.
func (r *Resolver) lookupRoutingDomain(ctx context.Context, hostname string) (string, error) {
	cname, err := r.lookup.LookupCNAME(ctx, hostname)
	if err != nil {
		if r.opt.FallbackDomain != "" {
			logger(hostname).WithError(err).Warn("CNAME lookup failed, using fallback routing domain")
			return r.opt.FallbackDomain, nil
		}
		return "", err
	}
	candidate := strings.TrimSuffix(cname, ".")

	if r.opt.AllowedDomains == nil {
		// No policy configured. Gateways publish CNAMEs of the form
		// "_.{domain}", so a literal "_." prefix is stripped.
		return strings.TrimPrefix(candidate, "_."), nil
	}

	match := r.opt.AllowedDomains.FindStringSubmatch(candidate)
	if match == nil {
		if r.opt.FallbackDomain != "" {
			logger(hostname).WithField("cname", candidate).Warn("CNAME does not match allowed domain pattern, using fallback routing domain")
			return r.opt.FallbackDomain, nil
		}
		return "", errf(ErrPolicyViolation, "CNAME %q for %s does not match allowed domain pattern and no fallback configured", candidate, hostname)
	}
	if r.opt.CaptureGroup >= len(match) || match[r.opt.CaptureGroup] == "" {
		// The pattern matched but the configured group did not participate.
		// Use the whole value rather than failing so a misconfigured group
		// index degrades loudly instead of breaking resolution.
		logger(hostname).WithFields(logrus.Fields{
			"cname": candidate,
			"group": r.opt.CaptureGroup,
		}).Warn("capture group not found in CNAME match, using whole value")
		return candidate, nil
	}
	return match[r.opt.CaptureGroup], nil
}

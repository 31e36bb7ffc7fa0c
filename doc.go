/*
Package relay implements a DNS-driven relay for ACME HTTP-01 challenges. A
certificate authority requests http://{custom-domain}/.well-known/acme-challenge/{token}
and the relay discovers, from DNS records published for that domain, which
application behind a shared gateway should answer, then redirects or proxies
the request there. Three types of objects make up the library.

Lookupers

Lookupers perform the two DNS queries resolution is built on, a TXT query for
the application address record and a CNAME query for the gateway domain. The
plain DNS implementation queries an upstream server over UDP with TCP retry;
the interface exists so resolution can be tested without a network.

Resolver

The Resolver combines both lookups into a target URL of the form
https://{app-id}.{routing-domain}{path}, applying the configured
allowed-domain pattern and fallback policy to the CNAME value. It re-resolves
on every request and caches nothing.

Forwarder and Listener

The Forwarder answers a resolved request either with a 307 redirect to the
target URL or by streaming the request to the target over a shared pooled
client. The RelayListener is the HTTP server tying both together and also
serves health, metrics and an informational root page.
*/
package relay

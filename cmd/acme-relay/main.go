package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	relay "github.com/dstack/acme-relay"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	cmd := &cobra.Command{
		Use:   "acme-relay",
		Short: "DNS-driven ACME HTTP-01 challenge relay",
		Long: `DNS-driven ACME HTTP-01 challenge relay.

It answers plain-HTTP ACME challenge requests for custom
domains and relays them to the application behind a shared
gateway. The target is discovered per request from two DNS
records published for the domain:

  TXT   _dstack-app-address.{domain} -> {app-id}:{port}
  CNAME {domain}                     -> _.{gateway-base-domain}

Requests are either answered with a 307 redirect to the
resolved target or proxied to it, depending on RELAY_MODE.
`,
		Example: `  acme-relay
  acme-relay tuning.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return start(args)
		},
		SilenceUsage: true,
	}
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func start(args []string) error {
	cfg, err := loadEnvConfig()
	if err != nil {
		return err
	}
	var tun tuning
	if len(args) > 0 {
		tun, err = loadTuning(args[0])
		if err != nil {
			return errors.Wrapf(err, "loading tuning file %q", args[0])
		}
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Wrapf(err, "parsing LOG_LEVEL %q", cfg.LogLevel)
	}
	relay.Log.SetLevel(level)
	if tun.Log.Format == "json" {
		relay.Log.SetFormatter(&logrus.JSONFormatter{})
	}

	// An explicitly empty ALLOWED_DOMAIN_REGEX disables the policy, the
	// CNAME is then used as-is with the "_." sentinel stripped.
	var allowed *regexp.Regexp
	if cfg.AllowedDomainRegex != "" {
		allowed, err = regexp.Compile(cfg.AllowedDomainRegex)
		if err != nil {
			return errors.Wrapf(err, "compiling ALLOWED_DOMAIN_REGEX %q", cfg.AllowedDomainRegex)
		}
	}

	lookup, err := relay.NewDNSClient(relay.DNSClientOptions{
		Upstream: cfg.DNSServer,
		Timeout:  time.Duration(tun.DNS.TimeoutSec) * time.Second,
	})
	if err != nil {
		return errors.Wrap(err, "creating DNS client")
	}
	resolver := relay.NewResolver(lookup, relay.ResolverOptions{
		FallbackDomain: cfg.FallbackGatewayDomain,
		AllowedDomains: allowed,
		CaptureGroup:   cfg.GatewayDomainCaptureGroup,
	})

	mode := relay.ParseRelayMode(cfg.RelayMode)
	forwarder, err := relay.NewForwarder(mode, relay.ForwarderOptions{
		MaxIdleConnsPerHost: tun.Proxy.MaxIdleConnsPerHost,
		IdleConnTimeout:     time.Duration(tun.Proxy.IdleConnTimeoutSec) * time.Second,
		ConnectTimeout:      time.Duration(tun.Proxy.ConnectTimeoutSec) * time.Second,
		RequestTimeout:      time.Duration(tun.Proxy.RequestTimeoutSec) * time.Second,
	})
	if err != nil {
		return errors.Wrap(err, "creating forwarder")
	}

	opt := relay.RelayListenerOptions{Collector: relay.NewCollector()}
	if tun.Syslog.Enabled {
		opt.AccessLog = relay.NewAccessLog(relay.AccessLogOptions{
			Network:  tun.Syslog.Network,
			Address:  tun.Syslog.Address,
			Priority: tun.Syslog.Priority,
			Tag:      tun.Syslog.Tag,
		})
		defer opt.AccessLog.Close()
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	l := relay.NewRelayListener(addr, resolver, forwarder, opt)
	relay.Log.WithFields(logrus.Fields{
		"addr": addr,
		"mode": mode.String(),
		"dns":  lookup.String(),
	}).Info("relay server starting")

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		err := l.Start()
		if err == nil || err == http.ErrServerClosed {
			return nil
		}
		if cfg.Port < 1024 {
			relay.Log.WithField("port", cfg.Port).Error("binding to ports below 1024 requires elevated privileges")
		}
		return errors.Wrapf(err, "listening on %s", addr)
	})
	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sig:
			return l.Stop()
		case <-ctx.Done():
			return nil
		}
	})
	return g.Wait()
}

/*
File: bootstrap.go
Version: 1.0.0
Description: Bootstrap DNS resolution for outbound HTTP clients (feed downloads, stats submission).
             When bootstrap servers are configured, hostnames are resolved against them directly
             instead of the system resolver.
*/

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

type BootstrapResolver struct {
	servers   []string
	ipVersion string
	timeout   time.Duration
}

// NewBootstrapResolver returns nil when no servers are configured.
func NewBootstrapResolver(cfg BootstrapConfig) *BootstrapResolver {
	if len(cfg.Servers) == 0 {
		return nil
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		servers = append(servers, s)
	}
	if len(servers) == 0 {
		return nil
	}
	return &BootstrapResolver{servers: servers, ipVersion: cfg.IPVersion, timeout: 2 * time.Second}
}

// LookupIP queries all servers concurrently and returns the first non-empty answer.
func (b *BootstrapResolver) LookupIP(ctx context.Context, hostname string) ([]net.IP, error) {
	if b == nil || len(b.servers) == 0 {
		return nil, errors.New("no bootstrap servers configured")
	}

	var qTypes []uint16
	switch b.ipVersion {
	case "ipv6":
		qTypes = []uint16{dns.TypeAAAA}
	case "both":
		qTypes = []uint16{dns.TypeA, dns.TypeAAAA}
	default:
		qTypes = []uint16{dns.TypeA}
	}

	type result struct {
		ips []net.IP
		err error
	}
	resultCh := make(chan result, len(b.servers))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, server := range b.servers {
		go func(server string) {
			var ips []net.IP
			var err error
			c := &dns.Client{Net: "udp", Timeout: b.timeout}

			for _, qType := range qTypes {
				if ctx.Err() != nil {
					break
				}
				msg := new(dns.Msg)
				msg.SetQuestion(dns.Fqdn(hostname), qType)
				r, _, e := c.ExchangeContext(ctx, msg, server)
				if e != nil {
					err = e
					continue
				}
				for _, ans := range r.Answer {
					switch rec := ans.(type) {
					case *dns.A:
						ips = append(ips, rec.A)
					case *dns.AAAA:
						ips = append(ips, rec.AAAA)
					}
				}
			}
			if len(ips) == 0 && err == nil {
				err = fmt.Errorf("no IPs found on %s", server)
			}
			resultCh <- result{ips: ips, err: err}
		}(server)
	}

	var lastErr error
	for range b.servers {
		select {
		case res := <-resultCh:
			if len(res.ips) > 0 {
				return res.ips, nil
			}
			lastErr = res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("all bootstrap servers failed for %s: %w", hostname, lastErr)
}

// DialContext resolves addr through the bootstrap servers and dials the first reachable IP.
func (b *BootstrapResolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	if net.ParseIP(host) != nil {
		return d.DialContext(ctx, network, addr)
	}
	ips, err := b.LookupIP(ctx, host)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, ip := range ips {
		conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// newHTTPClient builds a client for outbound fetches. A nil resolver uses the system resolver.
func newHTTPClient(timeout time.Duration, insecure bool, resolver *BootstrapResolver) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: insecure},
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if resolver != nil {
		tr.DialContext = resolver.DialContext
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

func newHTTP3Client(timeout time.Duration, insecure bool) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http3.RoundTripper{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure},
			QuicConfig: &quic.Config{
				KeepAlivePeriod: 30 * time.Second,
				MaxIdleTimeout:  60 * time.Second,
			},
		},
	}
}

// splitH3 maps the "h3://" scheme onto https and reports whether HTTP/3 was requested.
func splitH3(rawURL string) (string, bool) {
	if strings.HasPrefix(strings.ToLower(rawURL), "h3://") {
		return "https://" + rawURL[len("h3://"):], true
	}
	return rawURL, false
}

package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// ErrNotFound is returned when no Miniserver answered before the timeout.
var ErrNotFound = errors.New("discovery: miniserver not found")

// Candidate is a host advertised on the local network.
type Candidate struct {
	Instance string
	HostName string
	Port     int
	Addrs    []net.IP
	Text     []string
}

// Address returns host:port, preferring an IPv4 address over the host name.
func (c Candidate) Address() string {
	host := strings.TrimSuffix(c.HostName, ".")
	for _, ip := range c.Addrs {
		if ip.To4() != nil {
			host = ip.String()
			break
		}
	}
	if host == "" && len(c.Addrs) > 0 {
		host = c.Addrs[0].String()
	}
	if c.Port == 0 || c.Port == 80 {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// IsMiniserver reports whether the advertisement looks like a Loxone Miniserver.
func (c Candidate) IsMiniserver() bool {
	if containsFold(c.Instance, "loxone") || containsFold(c.Instance, "miniserver") {
		return true
	}
	if containsFold(c.HostName, "loxone") {
		return true
	}
	for _, txt := range c.Text {
		if containsFold(txt, "loxone") {
			return true
		}
	}
	return false
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), sub)
}

// Browser finds Miniservers through mDNS.
type Browser struct {
	service string
	domain  string
	timeout time.Duration
	logger  *log.Logger
}

// NewBrowser builds a browser for the given service type and domain.
func NewBrowser(service, domain string, timeout time.Duration, logger *log.Logger) *Browser {
	if service == "" {
		service = "_http._tcp"
	}
	if domain == "" {
		domain = "local."
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Browser{service: service, domain: domain, timeout: timeout, logger: logger}
}

// Find browses until the first matching advertisement or the timeout.
func (b *Browser) Find(ctx context.Context) (Candidate, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return Candidate{}, fmt.Errorf("discovery: resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, b.service, b.domain, entries); err != nil {
		return Candidate{}, fmt.Errorf("discovery: browse %s: %w", b.service, err)
	}
	return b.first(ctx, entries)
}

func (b *Browser) first(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) (Candidate, error) {
	for {
		select {
		case <-ctx.Done():
			return Candidate{}, ErrNotFound
		case entry, ok := <-entries:
			if !ok {
				return Candidate{}, ErrNotFound
			}
			if entry == nil {
				continue
			}
			candidate := fromEntry(entry)
			if !candidate.IsMiniserver() {
				continue
			}
			b.logger.Printf("discovery: found miniserver instance=%s addr=%s", candidate.Instance, candidate.Address())
			return candidate, nil
		}
	}
}

func fromEntry(entry *zeroconf.ServiceEntry) Candidate {
	addrs := make([]net.IP, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	addrs = append(addrs, entry.AddrIPv4...)
	addrs = append(addrs, entry.AddrIPv6...)
	return Candidate{
		Instance: entry.Instance,
		HostName: entry.HostName,
		Port:     entry.Port,
		Addrs:    addrs,
		Text:     entry.Text,
	}
}

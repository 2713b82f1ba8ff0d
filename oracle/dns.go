package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/ruteri/threshold-key-manager/interfaces"
)

// DefaultResolver is the local stub resolver.
const DefaultResolver = "127.0.0.53:53"

// DNSDirectory discovers oracle nodes from TXT records. A verifier's nodes
// live under <verifier>.<zone>, with default.<zone> as the fallback. Each
// record holds one entry:
//
//	"threshold=2"
//	"node=https://node1.example.com,02ab...(compressed node key)"
type DNSDirectory struct {
	zone     string
	resolver string
	client   *dns.Client
	log      *slog.Logger
}

var _ interfaces.NodeDirectory = (*DNSDirectory)(nil)

// NewDNSDirectory creates a directory that queries resolver for zone.
func NewDNSDirectory(zone, resolver string, timeout time.Duration, log *slog.Logger) *DNSDirectory {
	if resolver == "" {
		resolver = DefaultResolver
	}
	if log == nil {
		log = slog.Default()
	}
	return &DNSDirectory{
		zone:     dns.Fqdn(zone),
		resolver: resolver,
		client:   &dns.Client{Net: "udp", Timeout: timeout},
		log:      log,
	}
}

func (d *DNSDirectory) GetNodeDetails(ctx context.Context, verifier, verifierID string) (*interfaces.NodeDetails, error) {
	for _, label := range []string{verifier, "default"} {
		if label == "" {
			continue
		}
		txts, err := d.lookupTXT(ctx, label+"."+d.zone)
		if err != nil {
			return nil, err
		}
		if len(txts) == 0 {
			continue
		}
		nd, err := parseNodeRecords(txts)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", label, d.zone, err)
		}
		d.log.Debug("Resolved oracle nodes",
			slog.String("verifier", verifier),
			slog.String("name", label+"."+d.zone),
			slog.Int("nodes", len(nd.Endpoints)))
		return nd, nil
	}
	return nil, fmt.Errorf("%w: no oracle nodes published for verifier %q", interfaces.ErrConfiguration, verifier)
}

func (d *DNSDirectory) lookupTXT(ctx context.Context, name string) ([]string, error) {
	m := new(dns.Msg)
	m.Id = dns.Id()
	m.RecursionDesired = true
	m.Question = []dns.Question{{Name: name, Qtype: dns.TypeTXT, Qclass: dns.ClassINET}}

	in, _, err := d.client.ExchangeContext(ctx, m, d.resolver)
	if err != nil {
		return nil, fmt.Errorf("%w: dns lookup of %s failed: %v", interfaces.ErrNetwork, name, err)
	}
	switch in.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
	default:
		return nil, fmt.Errorf("%w: dns lookup of %s returned %s", interfaces.ErrNetwork, name, dns.RcodeToString[in.Rcode])
	}

	var out []string
	for _, answer := range in.Answer {
		if txt, ok := answer.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}

type dnsNode struct {
	endpoint, key string
}

func parseNodeRecords(txts []string) (*interfaces.NodeDetails, error) {
	var (
		nodes     []dnsNode
		threshold int
	)
	for _, txt := range txts {
		key, value, ok := strings.Cut(strings.TrimSpace(txt), "=")
		if !ok {
			continue
		}
		switch key {
		case "threshold":
			t, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid threshold %q", interfaces.ErrConfiguration, value)
			}
			threshold = t
		case "node":
			endpoint, nodeKey, ok := strings.Cut(value, ",")
			if !ok || endpoint == "" || nodeKey == "" {
				return nil, fmt.Errorf("%w: invalid node record %q", interfaces.ErrConfiguration, value)
			}
			nodes = append(nodes, dnsNode{endpoint: endpoint, key: nodeKey})
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].endpoint < nodes[j].endpoint })

	nd := &interfaces.NodeDetails{Threshold: threshold}
	for _, n := range nodes {
		nd.Endpoints = append(nd.Endpoints, n.endpoint)
		nd.PublicKeys = append(nd.PublicKeys, n.key)
	}
	if err := ValidateNodeDetails(nd); err != nil {
		return nil, err
	}
	return nd, nil
}

package executor

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/watchdeer/watchdeer/internal/domain"
)

// DNSData is the per-check configuration for the dns kind. Target
// carries the hostname to resolve.
type DNSData struct {
	DNSServer   string   `json:"dns_server"`
	SourceIP    string   `json:"source_ip"`
	QueryType   string   `json:"query_type"`
	ExpectedIPs []string `json:"expected_ips"`
}

func (d DNSData) Validate() error {
	if len(d.ExpectedIPs) == 0 {
		return &configError{"expected_ips must not be empty"}
	}
	return nil
}

// DNSExecutor resolves a hostname and checks the result set intersects
// ExpectedIPs, grounded on nyxmon's DnspythonResolver/DnsCheckExecutor.
// A custom dns_server is honored by dialing it directly instead of
// going through the system resolver; a source_ip, with or without
// dns_server, binds the local address of every resolver connection.
type DNSExecutor struct {
	log *zap.Logger
}

func NewDNSExecutor(log *zap.Logger) *DNSExecutor {
	return &DNSExecutor{log: log}
}

func (e *DNSExecutor) Execute(ctx context.Context, check domain.Check) (Outcome, error) {
	var data DNSData
	if len(check.Data) > 0 {
		if err := json.Unmarshal(check.Data, &data); err != nil {
			return errorOutcome("configuration_error", err.Error()), nil
		}
	}
	if err := data.Validate(); err != nil {
		return errorOutcome("configuration_error", err.Error()), nil
	}

	var sourceIP net.IP
	if data.SourceIP != "" {
		sourceIP = net.ParseIP(data.SourceIP)
		if sourceIP == nil {
			return errorOutcome("configuration_error", "source_ip is not a valid IP address"), nil
		}
	}

	var bindFailed error
	resolver := net.DefaultResolver
	if data.DNSServer != "" || sourceIP != nil {
		server := data.DNSServer
		resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{Timeout: 5 * time.Second}
				if sourceIP != nil {
					d.LocalAddr = &net.UDPAddr{IP: sourceIP}
				}
				addr := address
				if server != "" {
					addr = server
					if _, _, err := net.SplitHostPort(server); err != nil {
						addr = net.JoinHostPort(server, "53")
					}
				}
				conn, err := d.DialContext(ctx, network, addr)
				if err != nil && sourceIP != nil {
					bindFailed = err
				}
				return conn, err
			},
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// QueryType narrows which record family LookupIP asks for: "A"
	// restricts to IPv4, "AAAA" restricts to IPv6, anything else (the
	// default) accepts either.
	network := "ip"
	switch strings.ToUpper(data.QueryType) {
	case "A":
		network = "ip4"
	case "AAAA":
		network = "ip6"
	}

	addrs, err := resolver.LookupIP(ctx, network, check.Target)
	if err != nil {
		if bindFailed != nil {
			return errorOutcome("source_bind_failed", bindFailed.Error()), nil
		}
		if ctx.Err() != nil {
			return errorOutcome("timeout", err.Error()), nil
		}
		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
			return errorOutcome("nxdomain", err.Error()), nil
		}
		return errorOutcome("no_answer", err.Error()), nil
	}
	if len(addrs) == 0 {
		return errorOutcome("no_answer", "resolver returned no addresses"), nil
	}

	ips := make([]string, len(addrs))
	resolved := map[string]bool{}
	for i, ip := range addrs {
		ips[i] = ip.String()
		resolved[ips[i]] = true
	}

	payload := map[string]interface{}{"resolved_ips": ips}
	if data.DNSServer != "" {
		payload["dns_server"] = data.DNSServer
	}
	if data.SourceIP != "" {
		payload["source_address"] = data.SourceIP
	}

	matched := false
	for _, want := range data.ExpectedIPs {
		if resolved[want] {
			matched = true
			break
		}
	}
	if !matched {
		payload["error_type"] = "resolution_mismatch"
		payload["expected"] = data.ExpectedIPs
		return Outcome{Status: domain.ResultError, Payload: payload}, nil
	}

	return Outcome{Status: domain.ResultOK, Payload: payload}, nil
}

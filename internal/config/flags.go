// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package config parses CLI flags for the three ZTNA binaries, mirroring
// the teacher's flag.FlagSet pattern: one Config struct per binary,
// populated by fs.*Var calls. TLS material is named by the -cert, -key and
// -ca path flags only; there are no -*-file, -*-stdin or environment
// variable overrides.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hfyeomans/ztna-agent-sub002/internal/support"
)

// TLSFiles names the PEM material every binary needs for its mTLS
// identity: its own cert/key pair and the CA that signs peer certs.
type TLSFiles struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

func registerTLSFlags(fs *flag.FlagSet, t *TLSFiles) {
	fs.StringVar(&t.CertFile, "cert", "", "Path to this node's TLS certificate (PEM)")
	fs.StringVar(&t.KeyFile, "key", "", "Path to this node's TLS private key (PEM)")
	fs.StringVar(&t.CAFile, "ca", "", "Path to the CA certificate used to verify peers (PEM)")
}

func validateTLSFlags(t TLSFiles) error {
	if strings.TrimSpace(t.CertFile) == "" || strings.TrimSpace(t.KeyFile) == "" {
		return fmt.Errorf("-cert and -key are required")
	}
	if strings.TrimSpace(t.CAFile) == "" {
		return fmt.Errorf("-ca is required")
	}
	return nil
}

// AgentConfig configures the Agent binary: it registers services with and
// dials through the Intermediate, then opportunistically migrates to a
// direct path per service.
type AgentConfig struct {
	TLS              TLSFiles
	IntermediateAddr string
	ListenAddr       string
	Services         []string
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
}

// ParseAgent parses os.Args[1:] into an AgentConfig.
func ParseAgent() (*AgentConfig, error) {
	cfg := &AgentConfig{
		ListenAddr:     "0.0.0.0:0",
		BackoffInitial: time.Second,
		BackoffMax:     30 * time.Second,
	}
	var services string
	var backoffInitialSec, backoffMaxSec int

	fs := flag.CommandLine
	registerTLSFlags(fs, &cfg.TLS)
	fs.StringVar(&cfg.IntermediateAddr, "intermediate", "", "Intermediate relay address (host:port)")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Local UDP address to bind (ip:port)")
	fs.StringVar(&services, "services", "", "Comma-separated service ids to register")
	fs.IntVar(&backoffInitialSec, "backoff-initial", 1, "Initial reconnect backoff seconds (validated and stored in AgentConfig; the engine's reconnect backoff is fixed at 1s doubling to 30s and does not read it)")
	fs.IntVar(&backoffMaxSec, "backoff-max", 30, "Max reconnect backoff seconds (validated and stored in AgentConfig; not applied to the engine)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, err
	}
	if err := validateTLSFlags(cfg.TLS); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.IntermediateAddr) == "" {
		return nil, fmt.Errorf("-intermediate is required")
	}
	cfg.Services = splitNonEmpty(services)
	if len(cfg.Services) == 0 {
		return nil, fmt.Errorf("-services must name at least one service id")
	}
	cfg.BackoffInitial = time.Duration(backoffInitialSec) * time.Second
	cfg.BackoffMax = time.Duration(backoffMaxSec) * time.Second
	if cfg.BackoffMax < cfg.BackoffInitial {
		return nil, fmt.Errorf("-backoff-max must be >= -backoff-initial")
	}
	return cfg, nil
}

// IntermediateConfig configures the Intermediate relay/rendezvous binary.
type IntermediateConfig struct {
	TLS               TLSFiles
	ListenAddr        string
	Realm             string
	RequireClientCert bool
	OpsListenAddr     string
}

// ParseIntermediate parses os.Args[1:] into an IntermediateConfig.
func ParseIntermediate() (*IntermediateConfig, error) {
	cfg := &IntermediateConfig{
		ListenAddr:        "0.0.0.0:4443",
		RequireClientCert: true,
		OpsListenAddr:     "127.0.0.1:9090",
	}

	fs := flag.CommandLine
	registerTLSFlags(fs, &cfg.TLS)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "UDP address to bind the QUIC listener to")
	fs.StringVar(&cfg.Realm, "realm", "", "Realm SAN suffix peer certificates must match")
	fs.BoolVar(&cfg.RequireClientCert, "require-client-cert", cfg.RequireClientCert, "Require and verify peer client certificates")
	fs.StringVar(&cfg.OpsListenAddr, "ops-listen", cfg.OpsListenAddr, "Address for /healthz, /metrics, /ws/events (bind port 0 to disable)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, err
	}
	if err := validateTLSFlags(cfg.TLS); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Realm) == "" {
		return nil, fmt.Errorf("-realm is required")
	}
	return cfg, nil
}

// ConnectorConfig configures the App Connector binary: it registers one or
// more services and proxies overlay traffic into local backends.
type ConnectorConfig struct {
	TLS              TLSFiles
	IntermediateAddr string
	Backends         map[string]string // serviceID -> host:port
}

// ParseConnector parses os.Args[1:] into a ConnectorConfig.
func ParseConnector() (*ConnectorConfig, error) {
	cfg := &ConnectorConfig{}
	var backends string

	fs := flag.CommandLine
	registerTLSFlags(fs, &cfg.TLS)
	fs.StringVar(&cfg.IntermediateAddr, "intermediate", "", "Intermediate relay address (host:port)")
	fs.StringVar(&backends, "backends", "", "Comma-separated serviceID=host:port backend mappings")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, err
	}
	if err := validateTLSFlags(cfg.TLS); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.IntermediateAddr) == "" {
		return nil, fmt.Errorf("-intermediate is required")
	}
	backendMap, err := parseBackends(backends)
	if err != nil {
		return nil, err
	}
	if len(backendMap) == 0 {
		return nil, fmt.Errorf("-backends must name at least one serviceID=host:port mapping")
	}
	cfg.Backends = backendMap
	return cfg, nil
}

func splitNonEmpty(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBackends(csv string) (map[string]string, error) {
	out := make(map[string]string)
	for _, entry := range splitNonEmpty(csv) {
		serviceID, addr, ok := strings.Cut(entry, "=")
		serviceID = strings.TrimSpace(serviceID)
		addr = strings.TrimSpace(addr)
		if !ok || serviceID == "" || addr == "" {
			return nil, fmt.Errorf("invalid -backends entry %q, expected serviceID=host:port", entry)
		}
		if !support.LooksLikeHostPort(addr) {
			return nil, fmt.Errorf("invalid backend address %q for service %q", addr, serviceID)
		}
		out[serviceID] = addr
	}
	return out, nil
}

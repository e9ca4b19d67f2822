// Package policy implements the source-address allow-list: parsing IPv4
// exact addresses and CIDR ranges, and deciding whether a peer address is
// admitted. IPv6 entries are not supported.
package policy

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/yl2chen/cidranger"
	"gopkg.in/yaml.v3"
)

// rule is the parsed form of one allow-list entry, kept alongside its
// original text so /stats can report the rules as configured.
type rule struct {
	text    string
	network *net.IPNet
}

// AddressPolicy decides whether a source IPv4 address is admitted. An
// empty rule set or a 0.0.0.0/0 entry admits everything.
type AddressPolicy struct {
	rules       []rule
	ranger      cidranger.Ranger
	allowAll    bool
	invalidText []string // entries dropped during parsing, for startup logging
}

// New parses a comma-separated (or pre-split) list of allow-list entries.
// Each entry is either "A.B.C.D" (treated as a /32) or "A.B.C.D/N". Invalid
// entries are dropped and recorded in InvalidEntries(), not returned as an
// error; a bad rule does not fail startup.
func New(entries []string) *AddressPolicy {
	p := &AddressPolicy{
		ranger: cidranger.NewPCTrieRanger(),
	}

	for _, raw := range entries {
		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		network, ok := parseEntry(text)
		if !ok {
			p.invalidText = append(p.invalidText, text)
			continue
		}

		p.rules = append(p.rules, rule{text: text, network: network})
		_ = p.ranger.Insert(cidranger.NewBasicRangerEntry(*network))

		ones, _ := network.Mask.Size()
		if ones == 0 {
			p.allowAll = true
		}
	}

	return p
}

// ParseCSV splits a comma-separated ALLOWED_IPS value and builds a policy
// from it.
func ParseCSV(csv string) *AddressPolicy {
	var entries []string
	for _, part := range strings.Split(csv, ",") {
		entries = append(entries, strings.TrimSpace(part))
	}
	return New(entries)
}

// allowFile is the on-disk shape accepted by LoadFile: a YAML list of
// allow-list entries, mirroring the routes file format.
type allowFile struct {
	AllowedIPs []string `yaml:"allowed_ips"`
}

// LoadFile builds a policy from a YAML file holding an allowed_ips list of
// "A.B.C.D" / "A.B.C.D/N" entries. A missing file is not an error: it
// builds an empty (allow-all) policy, matching routes.LoadFile's "file
// absent means keep default" convention.
func LoadFile(path string) (*AddressPolicy, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy: reading %s: %w", path, err)
	}

	var doc allowFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("policy: parsing %s: %w", path, err)
	}
	return New(doc.AllowedIPs), nil
}

// parseEntry parses a single "A.B.C.D" or "A.B.C.D/N" entry into an IPv4
// *net.IPNet, validating octet and prefix-length ranges.
func parseEntry(text string) (*net.IPNet, bool) {
	cidrText := text
	if !strings.Contains(text, "/") {
		cidrText = text + "/32"
	}

	ip, network, err := net.ParseCIDR(cidrText)
	if err != nil {
		return nil, false
	}
	ip4 := ip.To4()
	if ip4 == nil {
		// IPv6 entries are out of scope.
		return nil, false
	}

	ones, bits := network.Mask.Size()
	if bits != 32 || ones < 0 || ones > 32 {
		return nil, false
	}

	// Normalize network := network & mask, which net.ParseCIDR already
	// guarantees, but we re-derive from the IPv4 form to be explicit.
	network.IP = ip4.Mask(network.Mask)
	return network, true
}

// IsAllowed reports whether addr (a dotted-quad IPv4 string, with or
// without a ":port" suffix) is admitted by the policy.
func (p *AddressPolicy) IsAllowed(addr string) bool {
	if len(p.rules) == 0 {
		// Empty rule set: allow everything (development convenience).
		return true
	}
	if p.allowAll {
		return true
	}

	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	ip4 := ip.To4()
	if ip4 == nil || strings.Contains(host, ":") {
		// Peer presented an IPv6 (or IPv4-mapped-as-IPv6) address; out of
		// scope, so denied.
		return false
	}

	allowed, err := p.ranger.Contains(ip4)
	if err != nil {
		return false
	}
	return allowed
}

// Rules returns the original textual form of every accepted rule, for
// inclusion in the /stats sidecar response.
func (p *AddressPolicy) Rules() []string {
	out := make([]string, len(p.rules))
	for i, r := range p.rules {
		out[i] = r.text
	}
	return out
}

// InvalidEntries returns the raw text of every entry dropped during
// parsing, for a startup warning log.
func (p *AddressPolicy) InvalidEntries() []string {
	return p.invalidText
}

// Describe renders a short human string for startup logging.
func (p *AddressPolicy) Describe() string {
	if len(p.rules) == 0 {
		return "allow-all (no ALLOWED_IPS rules configured)"
	}
	return fmt.Sprintf("%d rule(s)", len(p.rules))
}

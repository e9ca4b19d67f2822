// Package routes implements the static SNI-to-upstream route table: a
// pure, case-sensitive lookup from hostname to upstream address, optionally
// overlaid from a YAML file at startup.
package routes

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Upstream is the dial target for an admitted SNI hostname.
type Upstream struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the "host:port" dial string for this upstream.
func (u Upstream) Addr() string {
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}

// Table is an immutable-after-construction SNI hostname to Upstream map,
// read without locking once built.
type Table struct {
	routes map[string]Upstream
}

// defaultEntries is the built-in routing set: the Ubiquiti firmware and
// apt-repository hosts, each forwarded to itself on 443.
func defaultEntries() map[string]Upstream {
	hosts := []string{
		"fw-download.ubnt.com",
		"fw-update.ubnt.com",
		"fw-update.ui.com",
		"apt.artifacts.ui.com",
		"apt-beta.artifacts.ui.com",
		"apt-release-candidate.artifacts.ui.com",
	}
	m := make(map[string]Upstream, len(hosts))
	for _, h := range hosts {
		m[h] = Upstream{Host: h, Port: 443}
	}
	return m
}

// Default builds the route table from the built-in set, with no overlay.
func Default() *Table {
	return &Table{routes: defaultEntries()}
}

// New builds a route table directly from a caller-supplied map, for tests
// and for callers that already have a resolved hostname-to-upstream set.
func New(entries map[string]Upstream) *Table {
	routes := make(map[string]Upstream, len(entries))
	for k, v := range entries {
		routes[k] = v
	}
	return &Table{routes: routes}
}

// yamlFile is the on-disk shape accepted by LoadFile: a list of
// hostname/upstream pairs.
type yamlFile struct {
	Routes []struct {
		SNI  string `yaml:"sni"`
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"routes"`
}

// LoadFile builds a route table starting from the default set and
// overlaying entries from a YAML file at path. A missing file is not an
// error: the defaults are returned unchanged.
func LoadFile(path string) (*Table, error) {
	routes := defaultEntries()

	if path == "" {
		return &Table{routes: routes}, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Table{routes: routes}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routes: reading %s: %w", path, err)
	}

	var doc yamlFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("routes: parsing %s: %w", path, err)
	}

	for _, r := range doc.Routes {
		if r.SNI == "" || r.Host == "" {
			continue
		}
		port := r.Port
		if port == 0 {
			port = 443
		}
		routes[r.SNI] = Upstream{Host: r.Host, Port: port}
	}

	return &Table{routes: routes}, nil
}

// Lookup performs a case-sensitive match. Absence means the route is
// denied.
func (t *Table) Lookup(sni string) (Upstream, bool) {
	u, ok := t.routes[sni]
	return u, ok
}

// Hostnames returns every configured SNI hostname, for the /stats sidecar's
// allowedDomains field. Order is not significant.
func (t *Table) Hostnames() []string {
	out := make([]string, 0, len(t.routes))
	for host := range t.routes {
		out = append(out, host)
	}
	return out
}

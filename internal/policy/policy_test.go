package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEmptyRuleSetAllowsAll(t *testing.T) {
	p := New(nil)
	if !p.IsAllowed("203.0.113.5") {
		t.Fatal("empty rule set must allow all")
	}
}

func TestUniversalCIDRAllowsAll(t *testing.T) {
	p := ParseCSV("0.0.0.0/0")
	for _, addr := range []string{"203.0.113.5", "10.1.2.3", "1.2.3.4:5678"} {
		if !p.IsAllowed(addr) {
			t.Fatalf("0.0.0.0/0 must allow %s", addr)
		}
	}
}

func TestExactMatch(t *testing.T) {
	p := ParseCSV("203.0.113.5")
	if !p.IsAllowed("203.0.113.5") {
		t.Fatal("exact address must be allowed")
	}
	if p.IsAllowed("203.0.113.6") {
		t.Fatal("different address must be denied")
	}
}

func TestCIDRSlash32AdmitsOnlyExact(t *testing.T) {
	p := ParseCSV("203.0.113.5/32")
	if !p.IsAllowed("203.0.113.5") {
		t.Fatal("/32 must admit the exact address")
	}
	if p.IsAllowed("203.0.113.6") {
		t.Fatal("/32 must deny any other address")
	}
}

func TestCIDRRange(t *testing.T) {
	p := ParseCSV("10.0.0.0/8")
	if !p.IsAllowed("10.1.2.3") {
		t.Fatal("10.1.2.3 should be inside 10.0.0.0/8")
	}
	if p.IsAllowed("203.0.113.5") {
		t.Fatal("203.0.113.5 should be outside 10.0.0.0/8")
	}
}

func TestCanonicalizationInvariant(t *testing.T) {
	// A.B.C.D/N and (A.B.C.D & mask_N)/N must accept the same addresses.
	a := ParseCSV("10.1.2.3/24")
	b := ParseCSV("10.1.2.0/24")
	for _, addr := range []string{"10.1.2.0", "10.1.2.255", "10.1.3.1", "9.9.9.9"} {
		if a.IsAllowed(addr) != b.IsAllowed(addr) {
			t.Fatalf("canonicalization mismatch for %s", addr)
		}
	}
}

func TestInvalidEntriesDroppedNotFatal(t *testing.T) {
	p := New([]string{"not-an-ip", "999.1.1.1/24", "203.0.113.5", "::1"})
	if len(p.Rules()) != 1 {
		t.Fatalf("expected exactly one valid rule, got %v", p.Rules())
	}
	if len(p.InvalidEntries()) != 3 {
		t.Fatalf("expected three invalid entries, got %v", p.InvalidEntries())
	}
}

func TestIPv6PeerDenied(t *testing.T) {
	p := ParseCSV("10.0.0.0/8")
	if p.IsAllowed("2001:db8::1") {
		t.Fatal("IPv6 peer address must be denied")
	}
}

func TestLoadFileParsesYAMLList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowed.yaml")
	doc := `
allowed_ips:
  - 10.0.0.0/8
  - 203.0.113.5
  - not-an-ip
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !p.IsAllowed("10.1.2.3") || !p.IsAllowed("203.0.113.5") {
		t.Fatalf("file-loaded rules not applied: %v", p.Rules())
	}
	if p.IsAllowed("198.51.100.1") {
		t.Fatal("address outside the file's rules must be denied")
	}
	if len(p.InvalidEntries()) != 1 {
		t.Fatalf("expected one invalid entry, got %v", p.InvalidEntries())
	}
}

func TestLoadFileMissingAllowsAll(t *testing.T) {
	p, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !p.IsAllowed("203.0.113.5") {
		t.Fatal("missing file must build an allow-all policy")
	}
}

func TestLoadFileRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowed.yaml")
	if err := os.WriteFile(path, []byte("allowed_ips: {not a list"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("malformed YAML must be an error, not a silent allow-all")
	}
}

func TestDeterministicAndPure(t *testing.T) {
	p := ParseCSV("10.0.0.0/8,203.0.113.5")
	first := p.IsAllowed("10.2.2.2")
	for i := 0; i < 5; i++ {
		if p.IsAllowed("10.2.2.2") != first {
			t.Fatal("IsAllowed must be deterministic")
		}
	}
}

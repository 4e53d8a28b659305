package inicfg_test

import (
	"testing"

	"github.com/eantcal/acsgwd/internal/config/inicfg"
)

func TestUnmarshalGlobalAndNamespaced(t *testing.T) {
	src := `
# comment line
[]
global_key = "global value"

[logical_address_range]
first_ip = "10.0.0.1"
last_ip = "10.0.0.3"
ttl = 7200
`
	p := inicfg.New()
	got, err := p.Unmarshal([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if got["global_key"] != "global value" {
		t.Fatalf("global_key = %v", got["global_key"])
	}
	if got["logical_address_range.first_ip"] != "10.0.0.1" {
		t.Fatalf("first_ip = %v", got["logical_address_range.first_ip"])
	}
	if got["logical_address_range.ttl"] != "7200" {
		t.Fatalf("ttl = %v", got["logical_address_range.ttl"])
	}
}

func TestUnmarshalNamespaceReference(t *testing.T) {
	src := `
[ns1]
a = 1

[ns2]
x = $ns1.a
`
	p := inicfg.New()
	got, err := p.Unmarshal([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if got["ns2.x"] != "1" {
		t.Fatalf("ns2.x = %v", got["ns2.x"])
	}
}

func TestUnmarshalEnvReference(t *testing.T) {
	t.Setenv("ACSGWD_TEST_VAR", "hello")

	src := `
[ns]
v = $_env.ACSGWD_TEST_VAR
`
	p := inicfg.New()
	got, err := p.Unmarshal([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if got["ns.v"] != "hello" {
		t.Fatalf("ns.v = %v", got["ns.v"])
	}
}

func TestUnmarshalCommentStrippedOutsideQuotes(t *testing.T) {
	src := `[ns]
a = "value # not a comment" # this is a comment
`
	p := inicfg.New()
	got, err := p.Unmarshal([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if got["ns.a"] != "value # not a comment" {
		t.Fatalf("ns.a = %q", got["ns.a"])
	}
}

func TestUnmarshalSyntaxError(t *testing.T) {
	p := inicfg.New()
	if _, err := p.Unmarshal([]byte("[ns]\nnotanassignment\n")); err == nil {
		t.Fatal("expected syntax error")
	}
}

func TestUnmarshalInterpolationCycle(t *testing.T) {
	src := `[ns]
a = $ns.b
b = $ns.a
`
	p := inicfg.New()
	if _, err := p.Unmarshal([]byte(src)); err == nil {
		t.Fatal("expected cycle error")
	}
}

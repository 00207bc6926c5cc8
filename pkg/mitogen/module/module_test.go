package module

import (
	"testing"

	"github.com/innovationfleet/mitogen/pkg/mitogen/script"
)

func TestNeutralizeMainTruncatesAtGuard(t *testing.T) {
	src := "function f() end\nif __name__ == \"__main__\" then\n  f()\nend\n"
	got := neutralizeMain("__main__", src)
	if got != "function f() end\n" {
		t.Fatalf("neutralizeMain = %q", got)
	}
}

func TestNeutralizeMainLeavesOtherModulesAlone(t *testing.T) {
	src := "if __name__ == \"__main__\" then end\n"
	if got := neutralizeMain("pkg.a", src); got != src {
		t.Fatalf("neutralizeMain changed a non-__main__ module: %q", got)
	}
}

func TestCompressRoundTrip(t *testing.T) {
	src := []byte("function pow(b, e) return b^e end")
	compressed, err := compress(src)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	got, err := decompress(compressed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(got) != string(src) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestReplyPayloadNilForNotFound(t *testing.T) {
	if v := replyPayload(nil); v != nil {
		t.Fatalf("replyPayload(nil) = %v, want nil", v)
	}
}

func TestParseReplyRoundTrip(t *testing.T) {
	r := &reply{path: "pow.lua", source: []byte{1, 2, 3}, related: []string{"helper"}}
	v := replyPayload(r)
	got, err := parseReply(v)
	if err != nil {
		t.Fatalf("parseReply: %v", err)
	}
	if got.path != r.path || string(got.source) != string(r.source) || len(got.related) != 1 || got.related[0] != "helper" {
		t.Fatalf("parseReply(replyPayload(r)) = %+v, want %+v", got, r)
	}
}

func TestClosureResolvesTransitiveRequires(t *testing.T) {
	lib := Library{
		"pkg.a": {Text: `function add_one(x) return x + 1 end`},
		"pkg.b": {Text: "local a = require(\"pkg.a\")\nfunction subtract_one_add_two(x) return add_one(x - 1) + 1 end"},
	}
	related, err := closure(lib, script.NewEngine(nil), "pkg.b", map[string]bool{})
	if err != nil {
		t.Fatalf("closure: %v", err)
	}
	if len(related) != 1 || related[0] != "pkg.a" {
		t.Fatalf("closure(pkg.b) = %v, want [pkg.a]", related)
	}
}

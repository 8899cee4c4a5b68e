package expr

import "testing"

func TestLiteralMatch(t *testing.T) {
	e, err := Compile("tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if !e.Match("tenant-a") {
		t.Fatal("expected exact literal match")
	}
	if e.Match("tenant-ax") {
		t.Fatal("match must be anchored to the full string")
	}
}

func TestWildcards(t *testing.T) {
	e, err := Compile("tenant-*")
	if err != nil {
		t.Fatal(err)
	}
	if !e.Match("tenant-anything") {
		t.Fatal("expected '*' to match zero-or-more")
	}
	if !e.Match("tenant-") {
		t.Fatal("expected '*' to match zero characters")
	}

	q, err := Compile("user-?")
	if err != nil {
		t.Fatal(err)
	}
	if !q.Match("user-1") || q.Match("user-12") {
		t.Fatal("expected '?' to match exactly one character")
	}
}

func TestAlternation(t *testing.T) {
	e, err := Compile("admin|root|svc-*")
	if err != nil {
		t.Fatal(err)
	}
	for _, ok := range []string{"admin", "root", "svc-ingest"} {
		if !e.Match(ok) {
			t.Fatalf("expected %q to match", ok)
		}
	}
	if e.Match("guest") {
		t.Fatal("expected guest not to match any alternative")
	}
}

func TestRegexMetacharactersAreLiteral(t *testing.T) {
	e, err := Compile("a.b(c)")
	if err != nil {
		t.Fatal(err)
	}
	if !e.Match("a.b(c)") {
		t.Fatal("expected literal dot/parens to match themselves")
	}
	if e.Match("axb(c)") {
		t.Fatal("'.' must not behave as a regexp metacharacter")
	}
}

package httpapi

import (
	"net/http/httptest"
	"testing"
)

func TestParseLimitDefaultsAndClamps(t *testing.T) {
	cases := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"limit=10", 10},
		{"limit=0", 50},
		{"limit=-5", 50},
		{"limit=abc", 50},
		{"limit=10000", 500},
	}
	for _, c := range cases {
		r := httptest.NewRequest("GET", "/nodes?"+c.query, nil)
		if got := parseLimit(r, 50, 500); got != c.want {
			t.Errorf("parseLimit(%q) = %d, want %d", c.query, got, c.want)
		}
	}
}

func TestParseOffsetRejectsNegative(t *testing.T) {
	r := httptest.NewRequest("GET", "/nodes?offset=-1", nil)
	if got := parseOffset(r); got != 0 {
		t.Errorf("parseOffset(negative) = %d, want 0", got)
	}
	r = httptest.NewRequest("GET", "/nodes?offset=25", nil)
	if got := parseOffset(r); got != 25 {
		t.Errorf("parseOffset(25) = %d, want 25", got)
	}
}

func TestParseBoolQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/nodes?hard=true", nil)
	if !parseBoolQuery(r, "hard") {
		t.Error("expected true for hard=true")
	}
	r = httptest.NewRequest("GET", "/nodes", nil)
	if parseBoolQuery(r, "hard") {
		t.Error("expected false when query param absent")
	}
}

func TestParseIntQueryFallsBackOnBadInput(t *testing.T) {
	r := httptest.NewRequest("GET", "/lineage/x?max_depth=notanumber", nil)
	if got := parseIntQuery(r, "max_depth", 10); got != 10 {
		t.Errorf("parseIntQuery(bad) = %d, want default 10", got)
	}
	r = httptest.NewRequest("GET", "/lineage/x?max_depth=3", nil)
	if got := parseIntQuery(r, "max_depth", 10); got != 3 {
		t.Errorf("parseIntQuery(3) = %d, want 3", got)
	}
}

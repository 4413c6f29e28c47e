package filter

import (
	"strings"
	"testing"
	"time"
)

func mustNew(t *testing.T, cfg Config) *Predicate {
	t.Helper()
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNoFiltersAcceptsEverything(t *testing.T) {
	p := mustNew(t, Config{})

	skip, _ := p.Skip("IMG_0001.HEIC", time.Now(), time.Now())
	if skip {
		t.Error("expected accept with no filters configured")
	}
}

func TestDateBounds(t *testing.T) {
	created := time.Date(2024, 6, 15, 13, 30, 0, 0, time.UTC)
	added := time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		cfg    Config
		skip   bool
		reason string
	}{
		{"created after ok", Config{CreatedAfter: "2024-06-01"}, false, ""},
		{"created after violated", Config{CreatedAfter: "2024-06-20"}, true, "created before"},
		{"created before same day skips", Config{CreatedBefore: "2024-06-15"}, true, "created after"},
		{"created before later day ok", Config{CreatedBefore: "2024-06-16"}, false, ""},
		{"added after violated", Config{AddedAfter: "2024-07-02"}, true, "added before"},
		{"added before violated", Config{AddedBefore: "2024-06-30"}, true, "added after"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustNew(t, tt.cfg)
			skip, reason := p.Skip("a.jpg", created, added)
			if skip != tt.skip {
				t.Fatalf("skip = %v, want %v (reason %q)", skip, tt.skip, reason)
			}
			if tt.reason != "" && !strings.Contains(reason, tt.reason) {
				t.Errorf("reason = %q, want contains %q", reason, tt.reason)
			}
		})
	}
}

// A violated date bound skips regardless of suffix/pattern configuration.
func TestDateBoundOverridesNameFilters(t *testing.T) {
	p := mustNew(t, Config{
		CreatedAfter: "2024-06-20",
		Suffixes:     []string{".jpg"},
		MatchPattern: "*",
	})
	created := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	skip, reason := p.Skip("match.jpg", created, created)
	if !skip {
		t.Fatal("expected date bound to win over matching name filters")
	}
	if !strings.Contains(reason, "created before") {
		t.Errorf("reason = %q, want created-after violation", reason)
	}
}

// Bounds are compared at day granularity in the item's own timezone.
func TestDateBoundUsesItemTimezone(t *testing.T) {
	tokyo := time.FixedZone("UTC+9", 9*3600)
	// 2024-06-20 02:00 in Tokyo is still 2024-06-19 in UTC.
	created := time.Date(2024, 6, 20, 2, 0, 0, 0, tokyo)

	p := mustNew(t, Config{CreatedAfter: "2024-06-20"})
	if skip, _ := p.Skip("a.jpg", created, created); skip {
		t.Error("item at 2024-06-20 local time should pass created_after=2024-06-20")
	}
}

func TestSuffixAndPattern(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		filename string
		skip     bool
	}{
		{"suffix match", Config{Suffixes: []string{".HEIC", ".jpg"}}, "IMG_1.jpg", false},
		{"suffix miss", Config{Suffixes: []string{".HEIC"}}, "IMG_1.jpg", true},
		{"pattern match", Config{MatchPattern: "IMG_*"}, "IMG_1.mov", false},
		{"pattern miss", Config{MatchPattern: "IMG_*"}, "VID_1.mov", true},
		{"pattern list second matches", Config{MatchPattern: "DSC_*, IMG_*"}, "IMG_2.jpg", false},
		{"suffix miss but pattern match", Config{Suffixes: []string{".png"}, MatchPattern: "*.jpg"}, "a.jpg", false},
	}
	now := time.Now()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustNew(t, tt.cfg)
			if skip, _ := p.Skip(tt.filename, now, now); skip != tt.skip {
				t.Errorf("Skip(%q) = %v, want %v", tt.filename, skip, tt.skip)
			}
		})
	}
}

func TestInvalidConfig(t *testing.T) {
	if _, err := New(Config{CreatedAfter: "06/15/2024"}); err == nil {
		t.Error("expected error for malformed date")
	}
	if _, err := New(Config{MatchPattern: "[bad"}); err == nil {
		t.Error("expected error for malformed glob pattern")
	}
}

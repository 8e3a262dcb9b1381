package query

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestWhereClause(t *testing.T) {
	project := uuid.New()
	start := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	t.Run("time range only", func(t *testing.T) {
		conditions, args := whereClause(project, Filters{Start: start, End: end})
		if len(conditions) != 3 {
			t.Fatalf("conditions = %v", conditions)
		}
		// Time bounds lead so the planner can prune partitions.
		if conditions[1] != "timestamp >= $2" || conditions[2] != "timestamp < $3" {
			t.Errorf("time conditions = %v", conditions[1:])
		}
		if len(args) != 3 {
			t.Errorf("args = %v", args)
		}
	})

	t.Run("all filters", func(t *testing.T) {
		conditions, args := whereClause(project, Filters{
			Start:       start,
			End:         end,
			Level:       "error",
			LogType:     "exception",
			Environment: "production",
			Fingerprint: "abc",
			Search:      "timeout",
		})
		if len(conditions) != 8 {
			t.Fatalf("got %d conditions: %v", len(conditions), conditions)
		}
		if len(args) != 8 {
			t.Fatalf("got %d args", len(args))
		}
		joined := strings.Join(conditions, " AND ")
		for _, want := range []string{"level = $4", "log_type = $5", "environment = $6",
			"error_fingerprint = $7", "message ILIKE $8"} {
			if !strings.Contains(joined, want) {
				t.Errorf("missing %q in %q", want, joined)
			}
		}
		if args[7] != "%timeout%" {
			t.Errorf("search arg = %v", args[7])
		}
	})

	t.Run("search metacharacters are escaped", func(t *testing.T) {
		_, args := whereClause(project, Filters{Start: start, End: end, Search: "50%_done"})
		if args[3] != `%50\%\_done%` {
			t.Errorf("search arg = %v", args[3])
		}
	})
}

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"100%", `100\%`},
		{"a_b", `a\_b`},
		{`back\slash`, `back\\slash`},
	}
	for _, tt := range tests {
		if got := escapeLike(tt.in); got != tt.want {
			t.Errorf("escapeLike(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPeriodRange(t *testing.T) {
	// A Tuesday.
	now := time.Date(2026, 8, 25, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		period   string
		from, to string
		wantFrom string
		wantTo   string
		wantErr  bool
	}{
		{name: "today", period: "today", wantFrom: "20260825", wantTo: "20260825"},
		{name: "last7days", period: "last7days", wantFrom: "20260819", wantTo: "20260825"},
		{name: "last30days", period: "last30days", wantFrom: "20260727", wantTo: "20260825"},
		{name: "currentWeek starts Monday", period: "currentWeek", wantFrom: "20260824", wantTo: "20260825"},
		{name: "currentMonth", period: "currentMonth", wantFrom: "20260801", wantTo: "20260825"},
		{name: "currentYear", period: "currentYear", wantFrom: "20260101", wantTo: "20260825"},
		{name: "explicit bounds", from: "20260701", to: "20260715", wantFrom: "20260701", wantTo: "20260715"},
		{name: "defaults to last 7 days", wantFrom: "20260819", wantTo: "20260825"},
		{name: "unknown period", period: "fortnight", wantErr: true},
		{name: "bad from", from: "2026-07-01", to: "20260715", wantErr: true},
		{name: "inverted bounds", from: "20260715", to: "20260701", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to, err := periodRange(tt.period, tt.from, tt.to, now)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("periodRange() error = %v", err)
			}
			if from != tt.wantFrom || to != tt.wantTo {
				t.Errorf("periodRange() = (%s, %s), want (%s, %s)", from, to, tt.wantFrom, tt.wantTo)
			}
		})
	}
}

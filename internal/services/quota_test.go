package services

import (
	"testing"
	"time"

	"github.com/pagemark/pagemark-backend/internal/types"
)

func TestPeriodStart(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "mid-month truncates to the first",
			in:   time.Date(2026, time.August, 25, 13, 45, 12, 99, time.UTC),
			want: time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "already at period start",
			in:   time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
			want: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "converts to UTC before truncating",
			in:   time.Date(2026, time.January, 1, 5, 0, 0, 0, time.FixedZone("JST", 9*3600)),
			want: time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		if got := PeriodStart(tt.in); !got.Equal(tt.want) {
			t.Fatalf("%s: PeriodStart = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNextReset(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "mid-month",
			in:   time.Date(2026, time.August, 25, 10, 0, 0, 0, time.UTC),
			want: time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "december rolls into january",
			in:   time.Date(2025, time.December, 15, 0, 0, 0, 0, time.UTC),
			want: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "last instant of the month",
			in:   time.Date(2026, time.February, 28, 23, 59, 59, 0, time.UTC),
			want: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		if got := NextReset(tt.in); !got.Equal(tt.want) {
			t.Fatalf("%s: NextReset = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestStatusOf(t *testing.T) {
	row := &types.QuotaBucket{
		Bucket:      types.BucketAutoExplain,
		Used:        42,
		LimitValue:  300,
		PeriodStart: time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC),
	}
	status := statusOf(row)
	if status.Bucket != types.BucketAutoExplain || status.Used != 42 || status.Limit != 300 {
		t.Fatalf("unexpected status: %+v", status)
	}
	want := time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)
	if !status.ResetAt.Equal(want) {
		t.Fatalf("ResetAt = %v, want %v", status.ResetAt, want)
	}
}

func TestLimitForFallsBack(t *testing.T) {
	qs := &quotaService{limits: map[string]int{types.BucketExtractions: 20}}
	if got := qs.limitFor(types.BucketExtractions); got != 20 {
		t.Fatalf("limitFor(extractions) = %d, want 20", got)
	}
	if got := qs.limitFor("unknown_bucket"); got != defaultAutoExplainLimit {
		t.Fatalf("limitFor(unknown) = %d, want %d", got, defaultAutoExplainLimit)
	}
}

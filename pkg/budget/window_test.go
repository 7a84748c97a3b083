package budget

import (
	"testing"
	"time"

	"github.com/strands-agents/costguard/pkg/policy"
)

func TestWindow(t *testing.T) {
	tests := []struct {
		name      string
		period    policy.Period
		now       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "hourly aligns to the hour",
			period:    policy.PeriodHourly,
			now:       time.Date(2026, 3, 4, 10, 30, 15, 0, time.UTC),
			wantStart: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC),
		},
		{
			name:      "daily aligns to midnight",
			period:    policy.PeriodDaily,
			now:       time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC),
			wantStart: time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "weekly starts Monday",
			period:    policy.PeriodWeekly,
			now:       time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC), // a Wednesday
			wantStart: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "weekly on a Monday starts that Monday",
			period:    policy.PeriodWeekly,
			now:       time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
			wantStart: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "weekly on a Sunday belongs to the preceding Monday",
			period:    policy.PeriodWeekly,
			now:       time.Date(2026, 3, 8, 23, 59, 0, 0, time.UTC),
			wantStart: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "monthly aligns to the first",
			period:    policy.PeriodMonthly,
			now:       time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC),
			wantStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "monthly handles year rollover",
			period:    policy.PeriodMonthly,
			now:       time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC),
			wantStart: time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "exactly at a boundary the new window starts",
			period:    policy.PeriodHourly,
			now:       time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC),
			wantStart: time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC),
		},
		{
			name:      "non-UTC input is normalized",
			period:    policy.PeriodDaily,
			now:       time.Date(2026, 3, 4, 1, 0, 0, 0, time.FixedZone("CET", 3600)),
			wantStart: time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := Window(tt.period, tt.now)
			if !start.Equal(tt.wantStart) {
				t.Errorf("start = %v, want %v", start, tt.wantStart)
			}
			if !end.Equal(tt.wantEnd) {
				t.Errorf("end = %v, want %v", end, tt.wantEnd)
			}
		})
	}
}

func TestScopeKey(t *testing.T) {
	scope := policy.RunScope{TenantID: "acme", StrandID: "researcher", WorkflowID: "report"}

	tests := []struct {
		spec policy.BudgetSpec
		want string
	}{
		{spec: policy.BudgetSpec{ID: "g", Scope: policy.ScopeGlobal}, want: "global:g"},
		{spec: policy.BudgetSpec{ID: "t", Scope: policy.ScopeTenant}, want: "tenant:acme:t"},
		{spec: policy.BudgetSpec{ID: "s", Scope: policy.ScopeStrand}, want: "strand:acme:researcher:s"},
		{spec: policy.BudgetSpec{ID: "w", Scope: policy.ScopeWorkflow}, want: "workflow:acme:researcher:report:w"},
	}

	for _, tt := range tests {
		if got := ScopeKey(&tt.spec, scope); got != tt.want {
			t.Errorf("ScopeKey(%s) = %q, want %q", tt.spec.ID, got, tt.want)
		}
	}
}

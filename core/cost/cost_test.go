package cost

import "testing"

func TestShortName(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"haiku", "haiku"},
		{"sonnet", "sonnet"},
		{"opus", "opus"},
		{"claude-3-5-sonnet-20241022", "sonnet"},
		{"anthropic.claude-3-haiku-20240307-v1:0", "haiku"},
		{"claude-opus-4-20250514", "opus"},
		{"some-unknown-model", "sonnet"},
	}
	for _, tt := range tests {
		if got := ShortName(tt.model); got != tt.want {
			t.Errorf("ShortName(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestTrackerAddUsageAccumulates(t *testing.T) {
	tr := New(DefaultConfig(), nil, nil, nil)

	tr.AddUsage("sonnet", 1_000_000, 1_000_000)
	s := tr.Summary()

	wantCost := 3.0 + 15.0
	if s.TotalCost != wantCost {
		t.Errorf("TotalCost = %v, want %v", s.TotalCost, wantCost)
	}
	if s.InputTokens != 1_000_000 || s.OutputTokens != 1_000_000 {
		t.Errorf("unexpected token totals: %+v", s)
	}
	if s.APICalls != 1 {
		t.Errorf("APICalls = %d, want 1", s.APICalls)
	}
}

func TestTrackerThresholdLatching(t *testing.T) {
	var warnings, alerts int
	cfg := Config{Warn: 1, Alert: 2, Max: 3}
	tr := New(cfg, map[string]Pricing{"sonnet": {Input: 1_000_000, Output: 0}},
		func(float64) { warnings++ },
		func(float64) { alerts++ },
	)

	// 1 input token costs $1 at this pricing; push past each threshold twice
	// to confirm the callback fires only once.
	tr.AddUsage("sonnet", 1, 0)
	tr.AddUsage("sonnet", 1, 0)
	if warnings != 1 {
		t.Errorf("warnings fired %d times, want 1", warnings)
	}

	tr.AddUsage("sonnet", 1, 0)
	tr.AddUsage("sonnet", 1, 0)
	if alerts != 1 {
		t.Errorf("alerts fired %d times, want 1", alerts)
	}

	if !tr.ShouldStop() {
		t.Error("ShouldStop() = false, want true after exceeding Max")
	}
}

func TestTrackerResetAlertsAllowsRefire(t *testing.T) {
	var warnings int
	cfg := Config{Warn: 1, Alert: 100, Max: 1000}
	tr := New(cfg, map[string]Pricing{"sonnet": {Input: 1_000_000, Output: 0}}, func(float64) { warnings++ }, nil)

	tr.AddUsage("sonnet", 1, 0)
	tr.ResetAlerts()
	tr.AddUsage("sonnet", 1, 0)

	if warnings != 2 {
		t.Errorf("warnings = %d, want 2 after ResetAlerts", warnings)
	}
}

func TestRemainingBudgetFloorsAtZero(t *testing.T) {
	cfg := Config{Warn: 1, Alert: 2, Max: 3}
	tr := New(cfg, map[string]Pricing{"sonnet": {Input: 1_000_000, Output: 0}}, nil, nil)
	tr.AddUsage("sonnet", 10, 0)

	if got := tr.RemainingBudget(); got != 0 {
		t.Errorf("RemainingBudget() = %v, want 0", got)
	}
}

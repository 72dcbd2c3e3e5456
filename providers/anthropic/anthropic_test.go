package anthropic

import "testing"

func TestResolveModelAliases(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"haiku", "claude-3-5-haiku-20241022"},
		{"sonnet", "claude-sonnet-4-20250514"},
		{"opus", "claude-opus-4-20250514"},
		{"claude-3-5-sonnet-20241022", "claude-3-5-sonnet-20241022"},
	}
	for _, tt := range tests {
		if got := ResolveModel(tt.in); got != tt.want {
			t.Errorf("ResolveModel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

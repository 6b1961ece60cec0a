package metrics

import (
	"testing"
)

func TestNew_GathersMetrics(t *testing.T) {
	m := New()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	// Should include at least Go runtime and process collectors.
	if len(families) == 0 {
		t.Fatal("expected non-empty metric families from Gather()")
	}

	// Verify our custom metrics exist by incrementing some and gathering again.
	m.RequestsTotal.WithLabelValues("GET", "200", "/api").Inc()
	m.ForwardOutcomes.WithLabelValues("/api", "COMPLETED").Inc()
	m.UpstreamResponses.WithLabelValues("/api", "200").Inc()

	families, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	want := map[string]bool{
		"streamgate_http_requests_total":      false,
		"streamgate_forward_outcomes_total":   false,
		"streamgate_upstream_responses_total": false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %s in gathered metrics", name)
		}
	}
}

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"POST", "POST"},
		{"PUT", "PUT"},
		{"DELETE", "DELETE"},
		{"PATCH", "PATCH"},
		{"HEAD", "HEAD"},
		{"OPTIONS", "OPTIONS"},
		{"TRACE", "other"},
		{"XYZZY", "other"},
		{"get", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			if got := NormalizeMethod(tt.method); got != tt.want {
				t.Errorf("NormalizeMethod(%q) = %q, want %q", tt.method, got, tt.want)
			}
		})
	}
}

func TestRuleLabel(t *testing.T) {
	if got := RuleLabel("/api/v1/auth"); got != "/api/v1/auth" {
		t.Errorf("RuleLabel(/api/v1/auth) = %q", got)
	}
	if got := RuleLabel(""); got != RuleLabelNone {
		t.Errorf("RuleLabel(\"\") = %q, want %q", got, RuleLabelNone)
	}
}

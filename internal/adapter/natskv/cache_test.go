package natskv

import "testing"

func TestKVKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"itr:2025-26", "itr.2025-26"},
		{"gst:none", "gst.none"},
		{"idempotency:admin:PUT:/admin/tax-rates/gst/override:k1",
			"idempotency.admin.PUT./admin/tax-rates/gst/override.k1"},
		{"a::b", "a.=3Ab"},
		{":lead", "=3Alead"},
		{"trail:", "trail=3A"},
		{"ops team:x.y", "ops=20team.x=2Ey"},
		{"a=b", "a=3Db"},
	}
	for _, tt := range tests {
		if got := kvKey(tt.in); got != tt.want {
			t.Errorf("kvKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

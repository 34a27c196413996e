package ipaddr

import "testing"

func TestIsIPv4(t *testing.T) {
	testCases := []struct {
		in   string
		want bool
	}{
		{"203.0.113.5", true},
		{"0.0.0.0", true},
		{"256.1.1.1", false},
		{"203.0.113", false},
		{"2001:db8::1", false},
		{"::ffff:203.0.113.5", false},
		{"", false},
		{" 203.0.113.5", false},
	}
	for _, tc := range testCases {
		if got := IsIPv4(tc.in); got != tc.want {
			t.Errorf("IsIPv4(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	testCases := []struct {
		in, want string
	}{
		{"::ffff:203.0.113.5", "203.0.113.5"},
		{" 203.0.113.5 ", "203.0.113.5"},
		{"2001:db8::1", "2001:db8::1"},
		{"garbage", "garbage"},
	}
	for _, tc := range testCases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

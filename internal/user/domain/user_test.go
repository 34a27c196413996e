package domain

import (
	"strings"
	"testing"
)

func TestNormalizeIdentifier(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"license", "license:abc12", "license:abc12", true},
		{"trim and lower", "  LICENSE:ABC12 \n", "license:abc12", true},
		{"steam hex", "steam:110000112345678", "steam:110000112345678", true},
		{"too short", "ab:1", "", false},
		{"min length", "ab:12", "ab:12", true},
		{"max length", strings.Repeat("a", 96), strings.Repeat("a", 96), true},
		{"too long", strings.Repeat("a", 97), "", false},
		{"space inside", "license: abc12", "", false},
		{"dash", "license:abc-12", "", false},
		{"unicode", "license:äbc12", "", false},
		{"empty", "", "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := NormalizeIdentifier(tc.in)
			if ok != tc.ok || got != tc.want {
				t.Errorf("NormalizeIdentifier(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestNormalizeIdentifiers_DropsInvalid(t *testing.T) {
	lic, steam := "LICENSE:abc12", "bad value"
	ids := NormalizeIdentifiers(&lic, &steam, nil)
	if ids.License == nil || *ids.License != "license:abc12" {
		t.Errorf("License = %v", ids.License)
	}
	if ids.Steam != nil {
		t.Errorf("invalid steam should be dropped, got %q", *ids.Steam)
	}
	if ids.Rockstar != nil {
		t.Error("absent rockstar should stay nil")
	}
	if !NormalizeIdentifiers(&steam, nil, nil).Empty() {
		t.Error("all-invalid input should be empty")
	}
}

package manifest

import "testing"

func TestToModuleName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"models", "models"},
		{"my-app", "my_app"},
		{"my_app", "my_app"},
		{"myApp", "my_app"},
		{"UPPER", "upper"},
		{"a", "a"},
		{"", ""},
		{"already-PascalCase", "already_pascal_case"},
		{"foo-bar-baz", "foo_bar_baz"},
		{"_leading", "leading"},
		{"trailing-", "trailing"},
		{"v2.lib", "v2_lib"},
	}

	for _, tc := range tests {
		if got := ToModuleName(tc.input); got != tc.want {
			t.Errorf("ToModuleName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestIsReservedNamespace(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"sys", true},
		{"print", true},
		{"range", true},
		{"sys.extra", true},
		{"app", false},
		{"vendor.sys", false},
		{"printer", false},
	}

	for _, tc := range tests {
		if got := IsReservedNamespace(tc.name); got != tc.want {
			t.Errorf("IsReservedNamespace(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestQualify(t *testing.T) {
	if got := Qualify("", "util"); got != "util" {
		t.Errorf("Qualify(\"\", util) = %q", got)
	}
	if got := Qualify("vendor", "net.http"); got != "vendor.net.http" {
		t.Errorf("Qualify(vendor, net.http) = %q", got)
	}
}

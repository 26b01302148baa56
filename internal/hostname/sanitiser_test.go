package hostname

import (
	"strings"
	"testing"
)

func TestSanitise(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"clean", "xbox-360", "xbox-360"},
		{"uppercase", "Living-Room-PS3", "living-room-ps3"},
		{"spaces", "My Xbox", "myxbox"},
		{"control chars", "xbox\x00\x07\n", "xbox"},
		{"emoji", "xbox🎸", "xbox"},
		{"leading and trailing", "--.xbox.--", "xbox"},
		{"repeated separators", "rock--band..3", "rock-band.3"},
		{"empty", "", ""},
		{"only garbage", "💥 💥", ""},
		{"localhost", "localhost", ""},
		{"localhost mixed case", "LocalHost", ""},
		{"android default", "android-0123456789abcdef", ""},
		{"android named", "android-phone", "android-phone"},
		{"unknown", "unknown", ""},
		{"sql", "x'; DROP TABLE leases;--", "xdroptableleases"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitise(tt.input); got != tt.want {
				t.Errorf("Sanitise(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitiseMaxLength(t *testing.T) {
	got := Sanitise(strings.Repeat("a", 62) + "-bcd")
	if len(got) > MaxLength {
		t.Fatalf("length = %d, want <= %d", len(got), MaxLength)
	}
	if strings.HasSuffix(got, "-") {
		t.Errorf("truncated hostname %q ends in a hyphen", got)
	}
	if got != strings.Repeat("a", 62) {
		t.Errorf("got %q", got)
	}
}

package util

import "testing"

func TestFirstNonEmpty(t *testing.T) {
	cases := []struct {
		name string
		in   []string
		want string
	}{
		{"first wins", []string{"a", "b"}, "a"},
		{"skip blank", []string{"", "  ", "b"}, "b"},
		{"all blank", []string{"", " "}, ""},
		{"empty args", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FirstNonEmpty(tc.in...); got != tc.want {
				t.Errorf("FirstNonEmpty(%v) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := TruncateRunes("hello", 10); got != "hello" {
		t.Errorf("no-op truncate = %q", got)
	}
	if got := TruncateRunes("hello world", 5); got != "hello..." {
		t.Errorf("truncate = %q", got)
	}
	// 多字节字符按 rune 截断, 不产生半个字符
	if got := TruncateRunes("héllo wörld", 6); got != "héllo ..." {
		t.Errorf("rune truncate = %q", got)
	}
}

package adapter

import (
	"strings"
	"testing"
)

func TestSplitTelegramTextShort(t *testing.T) {
	if got := splitTelegramText("hello", 10, ""); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("split = %q", got)
	}
}

func TestSplitTelegramTextPrefersNewline(t *testing.T) {
	s := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitTelegramText(s, 10, "")
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("split = %q", got)
	}
}

func TestSplitTelegramTextAvoidsTags(t *testing.T) {
	s := "abcdef<b>bold</b>"
	got := splitTelegramText(s, 8, "HTML")
	if got[0] != "abcdef" {
		t.Fatalf("first chunk = %q, want tag kept whole", got[0])
	}
	if strings.Join(got, "") != s {
		t.Fatalf("chunks lost text: %q", got)
	}
}

func TestSplitTelegramTextRunes(t *testing.T) {
	s := strings.Repeat("é", 25)
	got := splitTelegramText(s, 10, "")
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	for _, c := range got {
		if n := len([]rune(c)); n > 10 {
			t.Fatalf("chunk has %d runes", n)
		}
	}
}

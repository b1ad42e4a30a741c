package jid

import "testing"

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"123:4@s.whatsapp.net": "123@s.whatsapp.net",
		"123@s.whatsapp.net":   "123@s.whatsapp.net",
		"9876@lid":             "9876@lid",
		"555:12":               "555",
		"":                     "",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSameUser(t *testing.T) {
	if !SameUser("123:7@s.whatsapp.net", "123@s.whatsapp.net") {
		t.Error("device suffix should be ignored")
	}
	if SameUser("123@s.whatsapp.net", "123@lid") {
		t.Error("different servers are different users")
	}
	if SameUser("", "") {
		t.Error("empty addresses never match")
	}
}

func TestIsGroup(t *testing.T) {
	if !IsGroup("1203630@g.us") {
		t.Error("expected group")
	}
	if IsGroup("123@s.whatsapp.net") || IsGroup(StatusBroadcast) {
		t.Error("expected non-group")
	}
}

package repository

import "testing"

func TestSplitToken(t *testing.T) {
	id, secret := splitToken("42|s3cret")
	if id == nil || *id != 42 || secret != "s3cret" {
		t.Fatalf("unexpected split: %v %q", id, secret)
	}

	id, secret = splitToken("bare")
	if id != nil || secret != "bare" {
		t.Fatalf("unexpected split: %v %q", id, secret)
	}

	id, secret = splitToken("abc|rest")
	if id != nil || secret != "rest" {
		t.Fatalf("unexpected split for non-numeric id: %v %q", id, secret)
	}
}

func TestHashToken(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := hashToken("abc"); got != want {
		t.Fatalf("hashToken = %s", got)
	}
}

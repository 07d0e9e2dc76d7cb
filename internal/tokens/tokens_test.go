package tokens

import (
	"testing"
	"time"
)

func TestIssueAndVerifyCookieRoundTrip(t *testing.T) {
	svc, err := New(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	token, _ := svc.IssueCookie("alice", 0)
	payload, ok := svc.VerifyCookie(token)
	if !ok {
		t.Fatal("expected cookie to verify")
	}
	if payload.Username != "alice" {
		t.Fatalf("got username %q", payload.Username)
	}
}

func TestVerifyCookieRejectsTampered(t *testing.T) {
	svc, _ := New(t.TempDir(), time.Hour)
	token, _ := svc.IssueCookie("alice", 0)

	tampered := token[:len(token)-1] + "0"
	if _, ok := svc.VerifyCookie(tampered); ok {
		t.Fatal("expected tampered cookie to fail verification")
	}
}

func TestVerifyCookieRejectsExpired(t *testing.T) {
	svc, _ := New(t.TempDir(), time.Hour)
	token, _ := svc.IssueCookie("alice", -time.Minute)
	if _, ok := svc.VerifyCookie(token); ok {
		t.Fatal("expected expired cookie to fail verification")
	}
}

func TestAccessTokenRoundTripNoExpiry(t *testing.T) {
	svc, _ := New(t.TempDir(), time.Hour)
	token := svc.IssueAccessToken(KindTunnel, "sess-1", 0)

	payload, ok := svc.VerifyAccessToken(token)
	if !ok {
		t.Fatal("expected access token to verify")
	}
	if payload.SessionID != "sess-1" || payload.Type != KindTunnel || payload.Exp != 0 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestRotateInvalidatesPriorTokens(t *testing.T) {
	dir := t.TempDir()
	svc, _ := New(dir, time.Hour)
	token, _ := svc.IssueCookie("alice", 0)

	if err := svc.Rotate(); err != nil {
		t.Fatal(err)
	}

	if _, ok := svc.VerifyCookie(token); ok {
		t.Fatal("expected rotation to invalidate previously issued cookie")
	}
}

func TestSecretPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	svc1, _ := New(dir, time.Hour)
	token, _ := svc1.IssueCookie("bob", 0)

	svc2, err := New(dir, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := svc2.VerifyCookie(token); !ok {
		t.Fatal("expected second instance to load the persisted secret and verify the cookie")
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	svc, _ := New(t.TempDir(), time.Hour)
	cases := []string{"", "garbage", "v1.onlyonepart", "v2.YWJj.abcd"}
	for _, c := range cases {
		if _, ok := svc.VerifyCookie(c); ok {
			t.Fatalf("expected %q to fail verification", c)
		}
	}
}

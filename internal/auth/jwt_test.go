package auth

import (
	"errors"
	"testing"
	"time"
)

func TestSignAndParse(t *testing.T) {
	tok, err := SignAdminJWT(7, "s3cret", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	c, err := ParseJWT(tok, "s3cret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.UserID != 7 || !c.Admin || c.Subject != "7" {
		t.Fatalf("unexpected claims %+v", c)
	}
}

func TestParse_Rejects(t *testing.T) {
	tok, _ := SignJWT(1, "s3cret", time.Hour)
	if _, err := ParseJWT(tok, "other"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong secret accepted: %v", err)
	}
	expired, _ := SignJWT(1, "s3cret", -time.Minute)
	if _, err := ParseJWT(expired, "s3cret"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token accepted: %v", err)
	}
	if _, err := ParseJWT("garbage", "s3cret"); err == nil {
		t.Fatalf("garbage accepted")
	}
}

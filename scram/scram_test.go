package scram

import (
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"hash"
	"testing"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp string) {
	t.Helper()
	if got != exp {
		t.Fatalf("got %q, expected %q", got, exp)
	}
}

type vector struct {
	h           func() hash.Hash
	clientNonce string
	clientFirst string
	serverFirst string
	clientFinal string
	serverFinal string
}

func TestVectors(t *testing.T) {
	vectors := []vector{
		// ../rfc/5802:1053
		{
			sha1.New,
			"fyko+d2lbbFgONRv9qkxdawL",
			"n,,n=user,r=fyko+d2lbbFgONRv9qkxdawL",
			"r=fyko+d2lbbFgONRv9qkxdawL3rfcNHYJY1ZVvWVs7j,s=QSXCR+Q6sek8bf92,i=4096",
			"c=biws,r=fyko+d2lbbFgONRv9qkxdawL3rfcNHYJY1ZVvWVs7j,p=v0X8v3Bz2T0CJGbJQyF0X+HI4Ts=",
			"v=rmF9pqV8S7suAoZWja4dJRkFsKQ=",
		},
		// ../rfc/7677:109
		{
			sha256.New,
			"rOprNGfwEbeRWgbNEkqO",
			"n,,n=user,r=rOprNGfwEbeRWgbNEkqO",
			"r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096",
			"c=biws,r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,p=dHzbZapWIk4jUhN+Ute9ytag9zjfMHgsqmmiz7AndVQ=",
			"v=6rriTRBi23WpRR/wtup+mMhUZUn/dB5nLTJRsjl95G4=",
		},
	}
	for _, v := range vectors {
		c := NewClient(v.h, "user", "", false, nil)
		c.clientNonce = v.clientNonce
		clientFirst, err := c.ClientFirst()
		tcheck(t, err, "client first")
		tcompare(t, clientFirst, v.clientFirst)
		clientFinal, err := c.ServerFirst([]byte(v.serverFirst), "pencil")
		tcheck(t, err, "server first")
		tcompare(t, clientFinal, v.clientFinal)
		err = c.ServerFinal([]byte(v.serverFinal))
		tcheck(t, err, "server final")
	}
}

func TestErrors(t *testing.T) {
	const serverFirst = "r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"

	start := func() *Client {
		c := NewClient(sha256.New, "user", "", false, nil)
		c.clientNonce = "rOprNGfwEbeRWgbNEkqO"
		_, err := c.ClientFirst()
		tcheck(t, err, "client first")
		return c
	}

	c := start()
	_, err := c.ServerFirst([]byte(serverFirst), "pencil")
	tcheck(t, err, "server first")
	err = c.ServerFinal([]byte("v=6rriTRBi23WpRR/wtup+mMhUZUn/dB5nLTJRsjl95G5="))
	if !errors.Is(err, ErrSignature) {
		t.Fatalf("got %v, expected ErrSignature", err)
	}

	c = start()
	_, err = c.ServerFirst([]byte(serverFirst), "wrong")
	tcheck(t, err, "server first")
	err = c.ServerFinal([]byte("e=invalid-proof"))
	var serr ServerError
	if !errors.As(err, &serr) || serr != "invalid-proof" {
		t.Fatalf("got %v, expected server error invalid-proof", err)
	}

	bad := []struct {
		serverFirst string
		exp         error
	}{
		{"r=other-nonce-value-here,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096", ErrProtocol},
		{"r=rOprNGfwEbeRWgbNEkqOx,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096", ErrUnsafe},
		{"r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=1000", ErrUnsafe},
		{"r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj,s=AAAA,i=4096", ErrUnsafe},
		{"m=ext,r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096", ErrProtocol},
		{"r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj,i=4096", ErrProtocol},
		{"garbage", ErrProtocol},
	}
	for _, b := range bad {
		c := start()
		_, err := c.ServerFirst([]byte(b.serverFirst), "pencil")
		if !errors.Is(err, b.exp) {
			t.Fatalf("server first %q: got %v, expected %v", b.serverFirst, err, b.exp)
		}
	}
}

func TestClientFirst(t *testing.T) {
	c := NewClient(sha256.New, "u=s,er", "", true, nil)
	c.clientNonce = "abcdefghijkl"
	s, err := c.ClientFirst()
	tcheck(t, err, "client first")
	tcompare(t, s, "y,,n=u=3Ds=2Cer,r=abcdefghijkl")

	c = NewClient(sha256.New, "user", "admin", false, nil)
	c.clientNonce = "abcdefghijkl"
	s, err = c.ClientFirst()
	tcheck(t, err, "client first")
	tcompare(t, s, "n,a=admin,n=user,r=abcdefghijkl")
}

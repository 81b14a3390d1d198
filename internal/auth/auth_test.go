package auth

import (
	"errors"
	"testing"

	"github.com/danmuck/swarmsync/internal/testutil/testlog"
)

func TestDeriveNamespace(t *testing.T) {
	testlog.Start(t)
	got, err := DeriveNamespace("abc")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Fatalf("namespace mismatch: got %s want %s", got, want)
	}
	if _, err := DeriveNamespace(""); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
}

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	testlog.Start(t)
	cases := map[string]struct {
		token string
		ok    bool
	}{
		"Bearer abc":   {token: "abc", ok: true},
		"bearer  abc ": {token: "abc", ok: true},
		"Basic abc":    {},
		"Bearer":       {},
		"":             {},
	}
	for header, want := range cases {
		token, ok := BearerToken(header)
		if token != want.token || ok != want.ok {
			t.Fatalf("header %q: got (%q,%v) want (%q,%v)", header, token, ok, want.token, want.ok)
		}
	}
}

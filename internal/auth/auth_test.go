package auth

import (
	"errors"
	"testing"

	"github.com/danmuck/kernelctl/internal/testutil/testlog"
)

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

func TestTokensAcceptsAnyListed(t *testing.T) {
	testlog.Start(t)
	v := Tokens{"old", "new"}
	for _, tok := range []string{"old", "new"} {
		if err := v.Validate(tok); err != nil {
			t.Fatalf("token %q rejected: %v", tok, err)
		}
	}
	if err := v.Validate("other"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := (Tokens{}).Validate(""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty set accepted: %v", err)
	}
}

func TestCheckParsesBearerHeader(t *testing.T) {
	testlog.Start(t)
	v := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})
	cases := map[string]error{
		"Bearer ok":   nil,
		"bearer  ok ": nil,
		"Bearer bad":  ErrUnauthorized,
		"Basic ok":    ErrUnauthorized,
		"Bearer":      ErrUnauthorized,
		"":            ErrUnauthorized,
	}
	for header, want := range cases {
		if err := Check(v, header); !errors.Is(err, want) {
			t.Fatalf("header %q: expected %v, got %v", header, want, err)
		}
	}
}

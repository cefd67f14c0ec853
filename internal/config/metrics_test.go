package config

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyConfigLoadError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: "none"},
		{name: "validation", err: fmt.Errorf("%w: %w", ErrInvalid, errors.New("WECHAT_TOKEN is required in production")), want: "validation"},
		{name: "parse", err: fmt.Errorf("%w SMTP_PORT: %w", ErrParse, errors.New("invalid syntax")), want: "parse"},
		{name: "unrelated", err: errors.New("parse-looking text without the sentinel"), want: "load"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyConfigLoadError(tc.err); got != tc.want {
				t.Fatalf("classifyConfigLoadError()=%q want %q", got, tc.want)
			}
		})
	}
}

func TestNormalizeAppEnv(t *testing.T) {
	cases := map[string]string{
		"  PROD ":     "production",
		"dev":         "development",
		"staging":     "staging",
		"":            "unknown",
		"\t":          "unknown",
		"Development": "development",
	}
	for in, want := range cases {
		if got := normalizeAppEnv(in); got != want {
			t.Fatalf("normalizeAppEnv(%q)=%q want %q", in, got, want)
		}
	}
}

func FuzzNormalizeAppEnv(f *testing.F) {
	f.Add("production")
	f.Add("  ")
	f.Add("PrOd")

	f.Fuzz(func(t *testing.T, raw string) {
		got := normalizeAppEnv(raw)
		if got == "" {
			t.Fatal("normalized env must not be empty")
		}
		if normalizeAppEnv(raw) != got {
			t.Fatal("normalizeAppEnv must be deterministic")
		}
	})
}

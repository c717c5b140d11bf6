package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sealpdf/sealpdf/config"
)

func TestFirstNonEmpty(t *testing.T) {
	tests := []struct {
		values []string
		want   string
	}{
		{[]string{"a", "b"}, "a"},
		{[]string{"", "b"}, "b"},
		{[]string{"", ""}, ""},
		{nil, ""},
	}
	for _, tc := range tests {
		if got := firstNonEmpty(tc.values...); got != tc.want {
			t.Errorf("firstNonEmpty(%v) = %q, want %q", tc.values, got, tc.want)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out.String(), "sealpdf") || !strings.Contains(out.String(), Version) {
		t.Errorf("unexpected output: %q", out.String())
	}
}

func TestBuildServiceUnknownProvider(t *testing.T) {
	cfg := config.Default()
	cfg.Keys.Provider = "vault"

	_, _, _, err := buildService(context.Background(), cfg)
	var cfgErr *config.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *config.ConfigError, got %v", err)
	}
	if cfgErr.Field != "keys.provider" {
		t.Errorf("field = %q", cfgErr.Field)
	}
}

func TestSignCommandRequiresFlags(t *testing.T) {
	root := NewRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"sign"})

	if err := root.Execute(); err == nil {
		t.Error("sign without --in/--out must fail")
	}
}

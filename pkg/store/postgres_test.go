package store

import (
	"strings"
	"testing"
)

func TestDefaultPostgresURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_USER", "")
	t.Setenv("POSTGRES_PASSWORD", "")
	t.Setenv("DATABASE_HOST", "")
	t.Setenv("DATABASE_PORT", "")
	t.Setenv("DATABASE_NAME", "")
	t.Setenv("DATABASE_SSLMODE", "")

	url := defaultPostgresURL()
	if !strings.HasPrefix(url, "postgres://worldsync@localhost:5432/worldsync") {
		t.Fatalf("unexpected default url %q", url)
	}
	if !strings.Contains(url, "sslmode=disable") {
		t.Fatalf("expected sslmode=disable in %q", url)
	}
}

func TestDefaultPostgresURLWithPassword(t *testing.T) {
	t.Setenv("DATABASE_USER", "app")
	t.Setenv("POSTGRES_PASSWORD", "s3cret")
	t.Setenv("DATABASE_HOST", "db.internal")
	t.Setenv("DATABASE_PORT", "bogus")
	t.Setenv("DATABASE_NAME", "world")
	t.Setenv("DATABASE_SSLMODE", "require")

	url := defaultPostgresURL()
	if !strings.Contains(url, "app:s3cret@db.internal:5432/world") {
		t.Fatalf("unexpected url %q", url)
	}
	if !strings.Contains(url, "sslmode=require") {
		t.Fatalf("expected sslmode=require in %q", url)
	}
}

func TestValidatePostgresTLS(t *testing.T) {
	t.Parallel()

	for _, mode := range []string{"require", "verify-ca", "verify-full"} {
		if err := validatePostgresTLS("postgres://u@h:5432/db?sslmode=" + mode); err != nil {
			t.Fatalf("expected %q to pass, got %v", mode, err)
		}
	}
	for _, mode := range []string{"disable", "allow", "prefer"} {
		if err := validatePostgresTLS("postgres://u@h:5432/db?sslmode=" + mode); err == nil {
			t.Fatalf("expected %q to fail", mode)
		}
	}
	if err := validatePostgresTLS("postgres://u@h:5432/db"); err == nil {
		t.Fatal("expected missing sslmode to fail")
	}
}

func TestRequiresSecureTransport(t *testing.T) {
	for raw, want := range map[string]bool{
		"true": true, "1": true, "YES": true, "on": true,
		"": false, "false": false, "off": false,
	} {
		t.Setenv("SECURE_TEST_KEY", raw)
		if got := requiresSecureTransport("SECURE_TEST_KEY"); got != want {
			t.Fatalf("requiresSecureTransport(%q) = %v, want %v", raw, got, want)
		}
	}
}

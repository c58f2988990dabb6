package store

import (
	"strings"
	"testing"
)

func TestDefaultPostgresURL(t *testing.T) {
	t.Setenv("DATABASE_USER", "")
	t.Setenv("POSTGRES_PASSWORD", "")
	t.Setenv("DATABASE_HOST", "")
	t.Setenv("DATABASE_PORT", "")
	t.Setenv("DATABASE_NAME", "")
	t.Setenv("DATABASE_SSLMODE", "")

	url := defaultPostgresURL()
	if !strings.HasPrefix(url, "postgres://rkbac@localhost:5432/rkbac") {
		t.Fatalf("unexpected default url: %s", url)
	}
	if !strings.Contains(url, "sslmode=disable") {
		t.Fatalf("default sslmode missing: %s", url)
	}

	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("DATABASE_PORT", "not-a-port")
	url = defaultPostgresURL()
	if !strings.Contains(url, "rkbac:secret@") {
		t.Fatalf("password missing: %s", url)
	}
	if !strings.Contains(url, ":5432/") {
		t.Fatalf("bad port should fall back to 5432: %s", url)
	}
}

func TestValidatePostgresTLS(t *testing.T) {
	if err := validatePostgresTLS("postgres://u@h:5432/db?sslmode=verify-full"); err != nil {
		t.Fatalf("verify-full should pass: %v", err)
	}
	if err := validatePostgresTLS("postgres://u@h:5432/db?sslmode=require"); err != nil {
		t.Fatalf("require should pass: %v", err)
	}
	if err := validatePostgresTLS("postgres://u@h:5432/db?sslmode=disable"); err == nil {
		t.Fatal("disable must be rejected when TLS is required")
	}
	if err := validatePostgresTLS("postgres://u@h:5432/db"); err == nil {
		t.Fatal("missing sslmode must be rejected when TLS is required")
	}
}

func TestRequiresSecureTransport(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", "on"} {
		t.Setenv("SOME_REQUIRE_TLS", v)
		if !requiresSecureTransport("SOME_REQUIRE_TLS") {
			t.Fatalf("%q should require TLS", v)
		}
	}
	t.Setenv("SOME_REQUIRE_TLS", "false")
	if requiresSecureTransport("SOME_REQUIRE_TLS") {
		t.Fatal("false must not require TLS")
	}
}

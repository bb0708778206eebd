package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/canvas/internal/auth"
)

func TestTokenCommandMintsValidActorToken(t *testing.T) {
	rootCmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs([]string{"token", "--subject", "planner-1", "--role", "agent", "--signing-secret", "cli-secret"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("token command failed: %v", err)
	}

	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{SigningSecret: []byte("cli-secret")})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	actor, err := validator.ValidateToken(strings.TrimSpace(stdout.String()))
	if err != nil {
		t.Fatalf("minted token failed validation: %v", err)
	}
	if actor.Subject != "planner-1" || actor.Role != auth.RoleAgent {
		t.Fatalf("unexpected actor %+v", actor)
	}
	if !strings.Contains(stderr.String(), "expires in") {
		t.Fatalf("expected expiry notice on stderr, got %q", stderr.String())
	}
}

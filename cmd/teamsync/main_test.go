package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/collabops/teamsync/internal/config"
	"github.com/collabops/teamsync/internal/teamsync"
)

func TestBuildTokenProviderStatic(t *testing.T) {
	provider, cleanup, err := buildTokenProvider(config.Config{Token: "static-token"})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer cleanup()
	token, err := provider(context.Background())
	if err != nil {
		t.Fatalf("provider failed: %v", err)
	}
	if token != "static-token" {
		t.Fatalf("unexpected token %q", token)
	}
}

func TestBuildTokenProviderFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("file-token\n"), 0o600); err != nil {
		t.Fatalf("writing token file: %v", err)
	}
	provider, cleanup, err := buildTokenProvider(config.Config{TokenFile: path})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer cleanup()
	token, err := provider(context.Background())
	if err != nil {
		t.Fatalf("provider failed: %v", err)
	}
	if token != "file-token" {
		t.Fatalf("unexpected token %q", token)
	}
}

func TestBuildTokenProviderMissingFile(t *testing.T) {
	_, _, err := buildTokenProvider(config.Config{TokenFile: filepath.Join(t.TempDir(), "absent")})
	if err == nil {
		t.Fatalf("expected error for missing token file")
	}
}

func TestBuildProvisionerDryRun(t *testing.T) {
	prov := buildProvisioner(config.Config{DryRun: true}, teamsync.StaticTokenProvider("x"))
	if _, ok := prov.(teamsync.NoopProvisioner); !ok {
		t.Fatalf("dry run must use the no-op provisioner, got %T", prov)
	}

	prov = buildProvisioner(config.Config{ProvisionBaseURL: "https://teams.example.com"}, teamsync.StaticTokenProvider("x"))
	if _, ok := prov.(*teamsync.HTTPProvisioner); !ok {
		t.Fatalf("expected http provisioner, got %T", prov)
	}
}

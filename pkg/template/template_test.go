package template

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pepperlink/pepperlink/internal/config"
)

func TestGenerateKnownProfiles(t *testing.T) {
	g := NewGenerator()
	for _, p := range g.SupportedProfiles() {
		out, err := g.Generate(Profile(p), "demo")
		if err != nil {
			t.Fatalf("profile %s: %v", p, err)
		}
		if !strings.Contains(out, `name = "demo"`) {
			t.Fatalf("profile %s did not substitute name:\n%s", p, out)
		}
	}
}

func TestGenerateUnknownProfile(t *testing.T) {
	if _, err := NewGenerator().Generate("nonsense", "x"); err == nil {
		t.Fatalf("expected error for unknown profile")
	}
}

func TestDefaultName(t *testing.T) {
	out, err := NewGenerator().Generate(ProfileMinimal, "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(out, `name = "main"`) {
		t.Fatalf("default session name missing:\n%s", out)
	}
}

// Every generated profile must pass the loader's validation untouched.
func TestProfilesLoadAndValidate(t *testing.T) {
	g := NewGenerator()
	for _, p := range g.SupportedProfiles() {
		out, err := g.Generate(Profile(p), "demo")
		if err != nil {
			t.Fatalf("profile %s: %v", p, err)
		}
		path := filepath.Join(t.TempDir(), "pepperlink.toml")
		if err := os.WriteFile(path, []byte(out), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := config.Load(path); err != nil {
			t.Fatalf("profile %s does not validate: %v", p, err)
		}
	}
}

package build

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/stratadata/stratactl/pkg/loaders"
)

func TestLoadBuiltRoundTrip(t *testing.T) {
	orgDir, buildDir := scaffoldOrg(t)
	b := newTestBuilder(t)

	built, err := b.Build(context.Background(), Options{
		OrganizationDir: orgDir,
		BuildDir:        buildDir,
		Environment:     "dev",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	registry, err := loaders.NewRegistry(nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	loaded, err := LoadBuilt(buildDir, registry, zerolog.Nop())
	if err != nil {
		t.Fatalf("LoadBuilt() error = %v", err)
	}

	if len(loaded.Resources) != len(built.Resources) {
		t.Fatalf("loaded %d resources, built %d", len(loaded.Resources), len(built.Resources))
	}
	for i, res := range built.Resources {
		got := loaded.Resources[i]
		if got.Kind != res.Kind || got.Identifier != res.Identifier {
			t.Errorf("resource %d = %s/%s, want %s/%s", i, got.Kind, got.Identifier, res.Kind, res.Identifier)
		}
		if diff := cmp.Diff(res.Content, got.Content); diff != "" {
			t.Errorf("resource %d content differs:\n%s", i, diff)
		}
	}
}

func TestLoadBuiltPreservesTemplateExpansion(t *testing.T) {
	orgDir := t.TempDir()
	buildDir := filepath.Join(t.TempDir(), "out")

	writeFile(t, filepath.Join(orgDir, "environments.yaml"), `
environments:
  dev:
    project: acme-dev
`)
	mod := filepath.Join(orgDir, "modules", "etl")
	writeFile(t, filepath.Join(mod, "transformations", "job.transformation.yaml"), `
# optional-variables: job
externalId: "tr_{{job}}"
name: "Load {{job}}"
`)
	writeFile(t, filepath.Join(mod, "transformations", "orders.sql"), "SELECT 1")
	writeFile(t, filepath.Join(mod, "transformations", "assets.sql"), "SELECT 2")

	b := newTestBuilder(t)
	if _, err := b.Build(context.Background(), Options{
		OrganizationDir: orgDir,
		BuildDir:        buildDir,
		Environment:     "dev",
	}); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	registry, err := loaders.NewRegistry(nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	loaded, err := LoadBuilt(buildDir, registry, zerolog.Nop())
	if err != nil {
		t.Fatalf("LoadBuilt() error = %v", err)
	}

	got := make([]string, 0, len(loaded.Resources))
	for _, res := range loaded.Resources {
		got = append(got, res.Identifier)
	}
	want := []string{"tr_assets", "tr_orders"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("identifiers differ:\n%s", diff)
	}
}

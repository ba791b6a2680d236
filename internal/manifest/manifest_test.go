package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/forgebuild/forge/internal/sourceid"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadParsesDependenciesAndTargets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "forge.toml"), `
[package]
name = "foo"
version = "1.2.3"
edition = "2021"
links = "ssl"

[dependencies]
bar = "1.0"
renamed = { package = "real-bar", version = "2.0", optional = true }

[dev-dependencies]
tester = { path = "../tester" }
`)
	writeFile(t, filepath.Join(dir, "src", "lib.rs"), "")

	src, err := sourceid.New(sourceid.Path, dir, sourceid.GitReference{}, sourceid.Precise{}, "")
	if err != nil {
		t.Fatal(err)
	}
	pkg, err := Load(filepath.Join(dir, "forge.toml"), src)
	if err != nil {
		t.Fatal(err)
	}
	if pkg.ID.Name() != "foo" || pkg.ID.Version().String() != "1.2.3" {
		t.Errorf("id = %s", pkg.ID)
	}
	if pkg.Links != "ssl" {
		t.Errorf("links = %q", pkg.Links)
	}
	if len(pkg.Targets) != 1 || pkg.Targets[0].Kind != Lib {
		t.Fatalf("targets = %+v", pkg.Targets)
	}

	var renamed, tester *Dependency
	for i := range pkg.Deps {
		switch pkg.Deps[i].Rename {
		case "renamed":
			renamed = &pkg.Deps[i]
		}
		if pkg.Deps[i].Name == "tester" {
			tester = &pkg.Deps[i]
		}
	}
	if renamed == nil || renamed.Name != "real-bar" || !renamed.Optional {
		t.Errorf("renamed dep = %+v", renamed)
	}
	if tester == nil || tester.Kind != Dev || tester.Path == "" {
		t.Errorf("tester dep = %+v", tester)
	}
}

func TestDuplicateLinksAcrossWorkspaceMembersErrors(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "forge.toml"), `
[workspace]
members = ["a", "b"]
`)
	writeFile(t, filepath.Join(root, "a", "forge.toml"), `
[package]
name = "a"
version = "1.0.0"
links = "ssl"
`)
	writeFile(t, filepath.Join(root, "b", "forge.toml"), `
[package]
name = "b"
version = "1.0.0"
links = "ssl"
`)
	_, err := LoadWorkspace(root)
	if err == nil {
		t.Fatal("expected duplicate links error")
	}
}

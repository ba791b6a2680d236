package sourceid

import (
	"testing"
)

func TestURLRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		url  string
		ref  GitReference
		pre  Precise
	}{
		{name: "path", kind: Path, url: "/home/user/proj"},
		{name: "registry", kind: Registry, url: "https://index.example.com/"},
		{
			name: "git-branch",
			kind: Git,
			url:  "https://github.com/example/repo",
			ref:  GitReference{Kind: "branch", Value: "main"},
		},
		{
			name: "git-locked-rev",
			kind: Git,
			url:  "https://github.com/example/repo",
			ref:  GitReference{Kind: "tag", Value: "v1.0.0"},
			pre:  Precise{Kind: "gitrev", Value: "deadbeef"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := New(tt.kind, tt.url, tt.ref, tt.pre, "")
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			encoded := id.AsURL()
			decoded, err := FromURL(encoded)
			if err != nil {
				t.Fatalf("FromURL(%q): %v", encoded, err)
			}
			if decoded.Kind() != id.Kind() {
				t.Errorf("kind = %v, want %v", decoded.Kind(), id.Kind())
			}
			if decoded.URL() != id.URL() {
				t.Errorf("url = %q, want %q", decoded.URL(), id.URL())
			}
			if decoded.GitReference() != id.GitReference() {
				t.Errorf("gitRef = %+v, want %+v", decoded.GitReference(), id.GitReference())
			}
		})
	}
}

func TestInterningIsPointerEqual(t *testing.T) {
	a, err := New(Registry, "https://index.example.com/", GitReference{}, Precise{}, "crates-io")
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(Registry, "https://index.example.com/", GitReference{}, Precise{}, "some-other-alias")
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Errorf("two Ids built from the same (kind, url, precise) should be interned as the same value regardless of registryKey")
	}
	if a.RegistryKey() == b.RegistryKey() {
		t.Errorf("registryKey should not be unified by interning: got both %q", a.RegistryKey())
	}
}

func TestGitCanonicalizationIgnoresDotGitAndCase(t *testing.T) {
	a, err := New(Git, "https://Github.com/example/repo.git", GitReference{}, Precise{}, "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(Git, "https://github.com/example/repo", GitReference{}, Precise{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Errorf("git SourceIds differing only by .git suffix and host case should be equal: %s vs %s", a, b)
	}
}

func TestPreciseValidation(t *testing.T) {
	_, err := New(Path, "/tmp/x", GitReference{}, Precise{Kind: "gitrev", Value: "abc"}, "")
	if err == nil {
		t.Fatal("expected error pinning a git rev onto a path source")
	}
	_, err = New(Registry, "https://index.example.com/", GitReference{}, Precise{Kind: "updated", Name: "foo", From: "1.0.0", To: "1.1.0"}, "")
	if err != nil {
		t.Fatalf("Updated precise should be valid for registry sources: %v", err)
	}
}

func TestWithPreciseRejectsMismatch(t *testing.T) {
	id, err := New(Path, "/tmp/x", GitReference{}, Precise{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := id.WithPrecise(Precise{Kind: "gitrev", Value: "abc"}); err == nil {
		t.Fatal("expected WithPrecise to reject a gitrev pin on a path source")
	}
}

package index

import (
	"testing"
)

const sampleLine = `{"name":"bar","vers":"1.0.0","deps":[{"name":"baz","req":"^1","features":[],"optional":false,"default_features":true,"kind":"normal"}],"features":{"default":["baz"]},"cksum":"abc123"}`

func TestParseRawDefersParsing(t *testing.T) {
	s, err := ParseRaw([]byte(sampleLine+"\n"), false)
	if err != nil {
		t.Fatal(err)
	}
	m := s.Lookup("1.0.0")
	if m == nil {
		t.Fatal("expected an entry for 1.0.0")
	}
	sum, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if sum.Name != "bar" || sum.Version.String() != "1.0.0" {
		t.Errorf("got %+v", sum)
	}
	if len(sum.Deps) != 1 || sum.Deps[0].Name != "baz" {
		t.Errorf("deps = %+v", sum.Deps)
	}
}

func TestUnsupportedSchemaVersionIsNeverFatal(t *testing.T) {
	future := `{"name":"bar","vers":"2.0.0","deps":[],"features":{},"cksum":"xyz","v":99}`
	s, err := ParseRaw([]byte(future+"\n"), false)
	if err != nil {
		t.Fatal(err)
	}
	m := s.Lookup("2.0.0")
	if _, unsupported := m.Unsupported(); !unsupported {
		t.Fatal("expected v=99 line to be marked Unsupported")
	}
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected Parse to error on an Unsupported line rather than silently succeed")
	}
}

func TestFeatures2Merges(t *testing.T) {
	line := `{"name":"bar","vers":"1.0.0","deps":[],"features":{"default":["a"]},"features2":{"default":["b"]},"cksum":"x"}`
	s, err := ParseRaw([]byte(line+"\n"), false)
	if err != nil {
		t.Fatal(err)
	}
	sum, err := s.Lookup("1.0.0").Parse()
	if err != nil {
		t.Fatal(err)
	}
	got := sum.Features["default"]
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("features2 merge = %v, want [a b]", got)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := &Cache{Root: dir}
	s, err := ParseRaw([]byte(sampleLine+"\n"), false)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Write(Shard("bar"), "bar", "etag-1", s); err != nil {
		t.Fatal(err)
	}
	got, hit, err := c.Read(Shard("bar"), "bar", "etag-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if !hit {
		t.Fatal("expected cache hit with matching index_version")
	}
	if len(got.Versions()) != 1 {
		t.Fatalf("versions = %v", got.Versions())
	}

	_, hit, err = c.Read(Shard("bar"), "bar", "etag-2", false)
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Fatal("expected cache miss when index_version changed")
	}
}

func TestCacheMissOnAbsentFile(t *testing.T) {
	dir := t.TempDir()
	c := &Cache{Root: dir}
	_, hit, err := c.Read(Shard("nope"), "nope", "v1", false)
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Fatal("expected miss for absent cache file")
	}
}


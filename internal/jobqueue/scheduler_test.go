package jobqueue

import (
	"context"
	"sync"
	"testing"

	"github.com/Masterminds/semver/v3"

	"github.com/forgebuild/forge/internal/manifest"
	"github.com/forgebuild/forge/internal/pkgid"
	"github.com/forgebuild/forge/internal/sourceid"
	"github.com/forgebuild/forge/internal/unitgraph"
)

type fakeCompiler struct {
	fail map[string]bool

	mu    sync.Mutex
	order []string // package names in the order Compile was called
}

func (f *fakeCompiler) compiled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *fakeCompiler) Compile(ctx context.Context, u *unitgraph.Unit) CompileResult {
	f.mu.Lock()
	f.order = append(f.order, u.Pkg.Name())
	f.mu.Unlock()
	done := make(chan error, 1)
	rmeta := make(chan struct{})
	close(rmeta)
	if f.fail[u.Pkg.Name()] {
		done <- errTest
	} else {
		done <- nil
	}
	return CompileResult{RmetaReady: rmeta, Done: done}
}

var errTest = testErr("boom")

type testErr string

func (e testErr) Error() string { return string(e) }

func testUnitNamed(t *testing.T, name string, deps ...*unitgraph.Unit) *unitgraph.Unit {
	t.Helper()
	src, err := sourceid.New(sourceid.Path, "/ws/"+name, sourceid.GitReference{}, sourceid.Precise{}, "")
	if err != nil {
		t.Fatal(err)
	}
	id, err := pkgid.New(name, semver.MustParse("1.0.0"), src)
	if err != nil {
		t.Fatal(err)
	}
	u := &unitgraph.Unit{
		Pkg:    id,
		Target: manifest.Target{Kind: manifest.Lib, Name: name, CrateTypes: []string{"lib"}},
		Mode:   unitgraph.Build,
		UnitID: name,
	}
	for _, d := range deps {
		u.AddDep(d)
	}
	return u
}

func TestSchedulerRunsDepsBeforeDependents(t *testing.T) {
	base := testUnitNamed(t, "base")
	top := testUnitNamed(t, "top", base)

	js, err := NewJobserver(2)
	if err != nil {
		t.Fatal(err)
	}
	defer js.Close()

	fc := &fakeCompiler{}
	sched := New(Options{Workers: 2}, fc, js, "test-session")
	err = sched.Run(context.Background(), []*unitgraph.Unit{base, top}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := fc.compiled(); len(got) != 2 || got[0] != "base" || got[1] != "top" {
		t.Errorf("compile order = %v, want [base top]", got)
	}
}

func TestSchedulerKeepGoingSkipsDependents(t *testing.T) {
	base := testUnitNamed(t, "base")
	top := testUnitNamed(t, "top", base)
	sibling := testUnitNamed(t, "sibling")

	js, err := NewJobserver(2)
	if err != nil {
		t.Fatal(err)
	}
	defer js.Close()

	fc := &fakeCompiler{fail: map[string]bool{"base": true}}
	sched := New(Options{Workers: 2, KeepGoing: true}, fc, js, "")
	err = sched.Run(context.Background(), []*unitgraph.Unit{base, top, sibling}, nil)
	if err == nil {
		t.Fatal("expected an aggregated error from the failed base unit")
	}
	compiledSibling := false
	for _, name := range fc.compiled() {
		if name == "top" {
			t.Errorf("top was compiled although its dependency base failed")
		}
		if name == "sibling" {
			compiledSibling = true
		}
	}
	if !compiledSibling {
		t.Errorf("sibling was not compiled; --keep-going should still build units independent of base")
	}
}

func TestSchedulerSkipsFreshUnits(t *testing.T) {
	u := testUnitNamed(t, "fresh")

	js, err := NewJobserver(1)
	if err != nil {
		t.Fatal(err)
	}
	defer js.Close()

	compiler := &countingCompiler{}
	sched := New(Options{Workers: 1}, compiler, js, "")
	err = sched.Run(context.Background(), []*unitgraph.Unit{u}, map[*unitgraph.Unit]bool{u: true})
	if err != nil {
		t.Fatal(err)
	}
	if compiler.calls != 0 {
		t.Fatalf("expected Fresh unit to skip compilation entirely, got %d calls", compiler.calls)
	}
}

type countingCompiler struct{ calls int }

func (c *countingCompiler) Compile(ctx context.Context, u *unitgraph.Unit) CompileResult {
	c.calls++
	done := make(chan error, 1)
	done <- nil
	return CompileResult{Done: done}
}

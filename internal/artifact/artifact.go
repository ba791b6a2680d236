// Package artifact implements spec.md §4.8: enumerating a unit's compiler
// output, hard-link uplift to stable names, and the JSON Artifact event.
package artifact

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/karrick/godirwalk"
	"github.com/orcaman/writerseeker"

	"github.com/forgebuild/forge/internal/manifest"
	"github.com/forgebuild/forge/internal/unitgraph"
)

// Flavor is an OutputFile's kind (spec.md §3 "OutputFile").
type Flavor int

const (
	Normal Flavor = iota
	Linkable        // .rmeta
	DebugInfo
	Auxiliary
	Sbom
)

// OutputFile is one physical artifact a compiler invocation produced.
type OutputFile struct {
	Path       string // absolute path the compiler wrote
	Flavor     Flavor
	UpliftTo   string // "" if this file is never uplifted
	ExportPath string // "" unless --artifact-dir was requested
}

// ExpectedOutputs derives the OutputFile list for a unit from
// (mode, target-kind, crate-types, triple), per spec.md §4.8 item 1.
func ExpectedOutputs(u *unitgraph.Unit, destDir string) []OutputFile {
	if !producesCompilerOutput(u.Mode) {
		return nil
	}
	base := u.Target.Name
	if u.CExtraFilename != "" {
		base += "-" + u.CExtraFilename
	}

	var outs []OutputFile
	for _, ct := range crateTypesOrDefault(u) {
		switch ct {
		case "bin":
			outs = append(outs, OutputFile{
				Path:     filepath.Join(destDir, "deps", base),
				Flavor:   Normal,
				UpliftTo: filepath.Join(destDir, u.Target.Name),
			})
		case "lib", "rlib":
			outs = append(outs, OutputFile{
				Path:   filepath.Join(destDir, "deps", "lib"+base+".rlib"),
				Flavor: Normal,
			})
		case "dylib", "cdylib":
			outs = append(outs, OutputFile{
				Path:     filepath.Join(destDir, "deps", dylibName(base, ct)),
				Flavor:   Normal,
				UpliftTo: filepath.Join(destDir, dylibName(u.Target.Name, ct)),
			})
		}
	}
	if u.Mode != unitgraph.RunCustomBuild {
		outs = append(outs, OutputFile{
			Path:   filepath.Join(destDir, "deps", "lib"+base+".rmeta"),
			Flavor: Linkable,
		})
	}
	return outs
}

func producesCompilerOutput(m unitgraph.Mode) bool {
	return m != unitgraph.RunCustomBuild
}

func crateTypesOrDefault(u *unitgraph.Unit) []string {
	if len(u.Target.CrateTypes) > 0 {
		return u.Target.CrateTypes
	}
	return []string{"bin"}
}

func dylibName(base, crateType string) string {
	if crateType == "cdylib" {
		return base + ".so"
	}
	return "lib" + base + ".so"
}

// Event is the JSON Artifact event spec.md §4.8 item 4 names, emitted on
// stdout in JSON mode.
type Event struct {
	PackageID  string   `json:"package_id"`
	Target     string   `json:"target"`
	Profile    string   `json:"profile"`
	Features   []string `json:"features"`
	Filenames  []string `json:"filenames"`
	Executable string   `json:"executable,omitempty"`
	Fresh      bool     `json:"fresh"`
}

// Manager uplifts unit outputs and emits Artifact events.
type Manager struct {
	ArtifactDir string // "" unless --artifact-dir was requested
	JSONMode    bool
	Out         io.Writer
}

// Uplift implements spec.md §4.8 items 2-4. fresh indicates the unit was
// already Fresh (fingerprint hit); the Artifact event still fires so
// external tooling sees a complete picture, matching cargo's own behavior
// of re-announcing cached artifacts.
func (m *Manager) Uplift(u *unitgraph.Unit, outputs []OutputFile, fresh bool) (Event, error) {
	ev := Event{
		PackageID: u.Pkg.String(),
		Target:    u.Target.Name,
		Profile:   u.Profile.Name,
		Features:  u.Features,
		Fresh:     fresh,
	}

	if !upliftApplies(u) {
		for _, o := range outputs {
			ev.Filenames = append(ev.Filenames, o.Path)
		}
		return ev, m.emit(ev)
	}

	for _, o := range outputs {
		ev.Filenames = append(ev.Filenames, o.Path)
		if o.UpliftTo == "" {
			continue
		}
		if err := hardlinkReplace(o.Path, o.UpliftTo); err != nil {
			return ev, fmt.Errorf("artifact: uplifting %s: %w", o.Path, err)
		}
		if u.Target.Kind == manifest.Bin {
			ev.Executable = o.UpliftTo
		}
		if m.ArtifactDir != "" {
			exportPath := filepath.Join(m.ArtifactDir, filepath.Base(o.UpliftTo))
			if err := hardlinkReplace(o.Path, exportPath); err != nil {
				return ev, fmt.Errorf("artifact: exporting %s: %w", o.Path, err)
			}
		}
	}
	return ev, m.emit(ev)
}

// upliftApplies implements spec.md §4.8's "Uplift policy": "Only roots,
// binaries, dylibs, and custom-build outputs are uplifted; rlibs and
// rmetas are never uplifted. Uplift is skipped entirely in modes that do
// not produce user-facing artifacts (Check, Doctest, RunCustomBuild,
// Docscrape)."
func upliftApplies(u *unitgraph.Unit) bool {
	switch u.Mode {
	case unitgraph.Check, unitgraph.Doctest, unitgraph.RunCustomBuild, unitgraph.Docscrape:
		return false
	default:
		return true
	}
}

func (m *Manager) emit(ev Event) error {
	if !m.JSONMode || m.Out == nil {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = m.Out.Write(b)
	return err
}

// hardlinkReplace implements spec.md §4.8 item 2: "replaces any existing
// link with a fresh hard link (or copy fallback)."
func hardlinkReplace(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".uplift-tmp"
	os.Remove(tmp)
	if err := os.Link(src, tmp); err != nil {
		if err := copyFile(src, tmp); err != nil {
			return err
		}
	}
	return os.Rename(tmp, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// BundleSbom zips every Sbom-flavored output into a single archive at
// artifactDir/sbom.zip. The archive is built in memory with writerseeker
// (zip.Writer needs io.Writer+io.Seeker, and these bundles are small) and
// flushed to disk atomically via renameio, the same write-then-rename
// discipline hardlinkReplace uses.
func BundleSbom(outputs []OutputFile, artifactDir string) error {
	var sboms []OutputFile
	for _, o := range outputs {
		if o.Flavor == Sbom {
			sboms = append(sboms, o)
		}
	}
	if len(sboms) == 0 {
		return nil
	}

	ws := &writerseeker.WriterSeeker{}
	zw := zip.NewWriter(ws)
	for _, o := range sboms {
		f, err := os.Open(o.Path)
		if err != nil {
			return fmt.Errorf("artifact: opening sbom %s: %w", o.Path, err)
		}
		w, err := zw.Create(filepath.Base(o.Path))
		if err != nil {
			f.Close()
			return err
		}
		_, err = io.Copy(w, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("artifact: bundling sbom %s: %w", o.Path, err)
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}

	out, err := renameio.TempFile("", filepath.Join(artifactDir, "sbom.zip"))
	if err != nil {
		return err
	}
	defer out.Cleanup()
	if _, err := io.Copy(out, ws.Reader()); err != nil {
		return err
	}
	return out.CloseAtomicallyReplace()
}

// EnumerateOutputDir lists every regular file currently present in dir,
// used to reconcile the expected OutputFile set against what the compiler
// actually wrote (spec.md §4.8 item 1). Enumeration uses godirwalk for the
// same reason the teacher's artifact directories are large and flat.
func EnumerateOutputDir(dir string) ([]string, error) {
	var files []string
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsRegular() {
				files = append(files, path)
			}
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return files, nil
}

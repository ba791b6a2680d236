package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"

	"github.com/forgebuild/forge/internal/resolver"
	"github.com/forgebuild/forge/internal/unitgraph"
)

const metadataHelp = `forge metadata

Dumps the resolved unit graph as JSON, one line per unit, for editor and
tooling integration.`

type unitJSON struct {
	Package  string   `json:"package_id"`
	Target   string   `json:"target"`
	Mode     string   `json:"mode"`
	Profile  string   `json:"profile"`
	Features []string `json:"features"`
	Deps     []string `json:"deps"`
}

func cmdMetadata(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("metadata", flag.ExitOnError)
	fset.Usage = usage(fset, metadataHelp)
	fset.Parse(args)

	ws, err := loadWorkspace("")
	if err != nil {
		return err
	}
	lockPath := filepath.Join(ws.Root, "forge.lock")
	rs, _, err := resolveWorkspace(ctx, ws, lockPath, resolver.Options{
		DevDepsNeeded:   true,
		DefaultFeatures: true,
	})
	if err != nil {
		return err
	}

	lookup := pkgLookup(ws, rs)
	g := unitgraph.Build(rs, lookup, memberPkgIDs(ws), unitgraph.BuildOptions{
		Filter: unitgraph.TargetFilter{All: true},
		Mode:   unitgraph.Build,
	})

	enc := json.NewEncoder(os.Stdout)
	for _, u := range g.AllUnits() {
		deps := make([]string, 0, len(u.Deps()))
		for _, d := range u.Deps() {
			deps = append(deps, d.Pkg.String())
		}
		enc.Encode(unitJSON{
			Package:  u.Pkg.String(),
			Target:   u.Target.Name,
			Mode:     u.Mode.String(),
			Profile:  u.Profile.Name,
			Features: u.Features,
			Deps:     deps,
		})
	}
	return nil
}

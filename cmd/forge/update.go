package main

import (
	"context"
	"flag"
	"path/filepath"

	"github.com/forgebuild/forge/internal/resolver"
)

const updateHelp = `forge update

Recomputes the lockfile from the current manifests, ignoring any existing
lockfile pins. Every package is selected afresh; there is no option to
limit the update to a single package.`

func cmdUpdate(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("update", flag.ExitOnError)
	fset.Usage = usage(fset, updateHelp)
	fset.Parse(args)

	ws, err := loadWorkspace("")
	if err != nil {
		return err
	}
	lockPath := filepath.Join(ws.Root, "forge.lock")

	// An update ignores the previous lockfile's pins entirely, re-selecting
	// from scratch (spec.md §4.3's unpinned selection path).
	rs, _, err := resolveWorkspace(ctx, ws, "", resolver.Options{
		DevDepsNeeded:   true,
		DefaultFeatures: true,
	})
	if err != nil {
		return err
	}
	return resolver.WriteFile(lockPath, rs)
}

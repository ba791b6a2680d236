package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"

	"github.com/forgebuild/forge/internal/env"
	"github.com/forgebuild/forge/internal/resolver"
	"github.com/forgebuild/forge/internal/source"
)

const fetchHelp = `forge fetch

Resolves the workspace and downloads every selected package into the
global cache, without compiling anything.`

func cmdFetch(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("fetch", flag.ExitOnError)
	fset.Usage = usage(fset, fetchHelp)
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

	cacheDir := filepath.Join(env.ForgeHome, "cache")
	factory := source.NewFactory(cacheDir, false)
	for _, id := range rs.Nodes {
		src, err := factory.Get(id.Source())
		if err != nil {
			return fmt.Errorf("fetch: resolving source for %s: %w", id.String(), err)
		}
		if _, err := src.Download(ctx, id, rs.ChecksumFor(id)); err != nil {
			return fmt.Errorf("fetch: downloading %s: %w", id.String(), err)
		}
	}
	return resolver.WriteFile(lockPath, rs)
}

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forgebuild/forge/internal/env"
	"github.com/forgebuild/forge/internal/manifest"
	"github.com/forgebuild/forge/internal/pkgid"
	"github.com/forgebuild/forge/internal/resolver"
	"github.com/forgebuild/forge/internal/source"
)

// loadWorkspace parses the workspace rooted at dir (the current directory
// when dir is empty). Like manifest.LoadWorkspace, it does not search
// ancestor directories: dir must directly contain forge.toml.
func loadWorkspace(dir string) (*manifest.Workspace, error) {
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return nil, err
		}
	}
	return manifest.LoadWorkspace(dir)
}

// resolveWorkspace runs the resolver against ws, honoring any existing
// lockfile at lockPath (spec.md §4.3's "Previous" input).
func resolveWorkspace(ctx context.Context, ws *manifest.Workspace, lockPath string, opts resolver.Options) (*resolver.Resolve, *resolver.Lockfile, error) {
	var prev *resolver.Lockfile
	if data, err := os.ReadFile(lockPath); err == nil {
		prev, err = resolver.ParseLockfile(data)
		if err != nil {
			return nil, nil, fmt.Errorf("forge: parsing existing lockfile: %w", err)
		}
	}

	cacheDir := filepath.Join(env.ForgeHome, "cache")
	rv := &resolver.Resolver{
		Sources:  source.NewFactory(cacheDir, false),
		Previous: prev,
	}
	rs, err := rv.Resolve(ctx, ws, opts)
	if err != nil {
		return nil, nil, err
	}
	return rs, prev, nil
}

// memberPkgIDs flattens a workspace's members to their pkgid.Id, the root
// set internal/unitgraph.Build expands from.
func memberPkgIDs(ws *manifest.Workspace) []pkgid.Id {
	ids := make([]pkgid.Id, len(ws.Members))
	for i, m := range ws.Members {
		ids[i] = m.ID
	}
	return ids
}

// pkgLookup builds the pkgid.Id -> *manifest.Package callback
// internal/unitgraph.Build needs: workspace members resolve to their
// already-loaded Package, everything else is synthesized from the
// resolver's summaries.
func pkgLookup(ws *manifest.Workspace, rs *resolver.Resolve) func(pkgid.Id) *manifest.Package {
	members := make(map[string]*manifest.Package, len(ws.Members))
	for _, m := range ws.Members {
		members[m.ID.SortKey()] = m
	}
	return func(id pkgid.Id) *manifest.Package {
		if p, ok := members[id.SortKey()]; ok {
			return p
		}
		if p, ok := rs.PackageFor(id); ok {
			return p
		}
		return nil
	}
}

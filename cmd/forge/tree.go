package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"

	"github.com/forgebuild/forge/internal/pkgid"
	"github.com/forgebuild/forge/internal/resolver"
)

const treeHelp = `forge tree

Renders the resolved dependency graph as indented text, rooted at each
workspace member.`

func cmdTree(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("tree", flag.ExitOnError)
	fset.Usage = usage(fset, treeHelp)
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

	seen := make(map[string]bool)
	var walk func(id pkgid.Id, depth int)
	walk = func(id pkgid.Id, depth int) {
		for i := 0; i < depth; i++ {
			fmt.Print("  ")
		}
		fmt.Println(id.String())
		key := id.SortKey()
		if seen[key] {
			return
		}
		seen[key] = true
		for _, e := range rs.DepsOf(id) {
			walk(e.To, depth+1)
		}
	}
	for _, m := range ws.Members {
		walk(m.ID, 0)
	}
	return nil
}

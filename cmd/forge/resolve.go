package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"

	"github.com/forgebuild/forge/internal/resolver"
)

const resolveHelp = `forge resolve

Runs the resolver only and prints the resulting dependency edges, without
writing a lockfile or building anything.`

func cmdResolve(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("resolve", flag.ExitOnError)
	fset.Usage = usage(fset, resolveHelp)
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
	for _, m := range ws.Members {
		for _, e := range rs.DepsOf(m.ID) {
			fmt.Printf("%s -> %s (%s)\n", m.ID.String(), e.To.String(), e.Spec.Kind)
		}
	}
	return nil
}

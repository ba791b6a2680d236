package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/forgebuild/forge/internal/layout"
)

const runHelp = `forge run <bin> [-- args...]

Builds (if needed) and execs the named binary target, forwarding its
stdin/stdout/stderr and exit code.`

func cmdRun(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("run", flag.ExitOnError)
	release := fset.Bool("release", false, "run the release profile build")
	fset.Usage = usage(fset, runHelp)
	fset.Parse(args)

	rest := fset.Args()
	if len(rest) == 0 {
		return fmt.Errorf("run: a binary name is required")
	}
	bin, binArgs := rest[0], rest[1:]

	if err := cmdBuild(ctx, buildArgsFor(*release)); err != nil {
		return err
	}

	ws, err := loadWorkspace("")
	if err != nil {
		return err
	}
	profile := "debug"
	if *release {
		profile = "release"
	}
	lay := &layout.Layout{Root: filepath.Join(ws.Root, "target"), Profile: profile}

	path := filepath.Join(lay.Dest(), bin)
	cmd := exec.CommandContext(ctx, path, binArgs...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			os.Exit(ee.ExitCode())
		}
		return err
	}
	return nil
}

func buildArgsFor(release bool) []string {
	if release {
		return []string{"--release"}
	}
	return nil
}

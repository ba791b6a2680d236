// Command forge is the CLI for the package-and-build orchestrator core
// implemented by the internal/* packages: it resolves a workspace's
// manifest-declared dependency graph, fetches sources, maintains the
// lockfile, and drives the concurrent unit build.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	forge "github.com/forgebuild/forge"
)

var debug = flag.Bool("debug", false, "format error messages with additional detail")

func main() {
	flag.Parse()

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"build":    {cmdBuild},
		"resolve":  {cmdResolve},
		"update":   {cmdUpdate},
		"fetch":    {cmdFetch},
		"tree":     {cmdTree},
		"gc":       {cmdGC},
		"run":      {cmdRun},
		"metadata": {cmdMetadata},
		"env":      {cmdEnv},
	}

	args := flag.Args()
	verb := "build"
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}

	if verb == "help" {
		fmt.Fprintf(os.Stderr, "forge [-flags] <command> [-flags] <args>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "\tbuild     - resolve, plan, and run the unit build\n")
		fmt.Fprintf(os.Stderr, "\tresolve   - run the resolver only, print the Resolve graph\n")
		fmt.Fprintf(os.Stderr, "\tupdate    - recompute the lockfile, ignoring existing pins\n")
		fmt.Fprintf(os.Stderr, "\tfetch     - populate the global package cache without building\n")
		fmt.Fprintf(os.Stderr, "\ttree      - render the resolved dependency graph as indented text\n")
		fmt.Fprintf(os.Stderr, "\tgc        - evict package cache entries not accessed within -max-age\n")
		fmt.Fprintf(os.Stderr, "\trun       - forward to a built binary's stdin/stdout/stderr\n")
		fmt.Fprintf(os.Stderr, "\tmetadata  - dump the resolved unit graph as JSON\n")
		fmt.Fprintf(os.Stderr, "\tenv       - print forge's environment\n")
		os.Exit(2)
	}

	ctx, canc := forge.InterruptibleContext()
	defer canc()

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: forge <command> [options]\n")
		os.Exit(2)
	}
	if err := v.fn(ctx, args); err != nil {
		if *debug {
			log.Fatalf("%s: %+v", verb, err)
		}
		log.Fatalf("%s: %v", verb, err)
	}
	if err := forge.RunAtExit(); err != nil {
		log.Fatal(err)
	}
}

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/forgebuild/forge/internal/env"
)

const envHelp = `forge env

Prints forge's environment: FORGE_HOME, FORGE_FLAGS, and related
settings.`

func cmdEnv(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("env", flag.ExitOnError)
	fset.Usage = usage(fset, envHelp)
	fset.Parse(args)

	fmt.Printf("FORGE_HOME=%s\n", env.ForgeHome)
	fmt.Printf("FORGE_FLAGS=%q\n", env.Flags())
	fmt.Printf("FORGE_RESOLVER_FEATURE_UNIFICATION=%s\n", env.FeatureUnification())
	fmt.Printf("FORGE_BUILD_JOBS=%d\n", env.Jobs())
	return nil
}

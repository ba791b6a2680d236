package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/djherbis/atime"
	"github.com/karrick/godirwalk"

	"github.com/forgebuild/forge/internal/env"
)

const gcHelp = `forge gc [-max-age <duration>] [-dry-run]

Evicts entries from the global package cache (downloaded tarballs, cloned
git checkouts, registry index shards) whose last access time is older than
-max-age.`

func cmdGC(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("gc", flag.ExitOnError)
	var (
		maxAge = fset.Duration("max-age", 30*24*time.Hour, "evict cache entries not accessed within this long")
		dryRun = fset.Bool("dry-run", false, "only print what would be evicted")
	)
	fset.Usage = usage(fset, gcHelp)
	fset.Parse(args)

	cacheDir := filepath.Join(env.ForgeHome, "cache")
	cutoff := time.Now().Add(-*maxAge)

	var evicted int64
	err := godirwalk.Walk(cacheDir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == cacheDir || !de.IsDir() {
				return nil
			}
			// Only consider top-level cache entries (one dir per
			// downloaded/cloned/indexed source); skip descending further.
			if filepath.Dir(path) != cacheDir {
				return filepath.SkipDir
			}
			last, err := atime.Stat(path)
			if err != nil {
				return nil
			}
			if last.After(cutoff) {
				return filepath.SkipDir
			}
			if *dryRun {
				fmt.Printf("would evict %s (last accessed %s)\n", path, last.Format(time.RFC3339))
				return filepath.SkipDir
			}
			size, _ := dirSize(path)
			if err := os.RemoveAll(path); err != nil {
				return err
			}
			evicted += size
			return filepath.SkipDir
		},
		Unsorted: true,
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !*dryRun {
		fmt.Printf("evicted %d bytes from %s\n", evicted, cacheDir)
	}
	return nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsRegular() {
				if fi, err := os.Lstat(path); err == nil {
					total += fi.Size()
				}
			}
			return nil
		},
		Unsorted: true,
	})
	return total, err
}

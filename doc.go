// Package forge implements the core of a package-and-build orchestrator: it
// resolves a manifest-declared dependency graph, fetches package sources
// from heterogeneous origins, materializes a reproducible lock file, and
// plans and executes a concurrent build of compilation units with
// content-addressed caching and artifact uplift.
//
// The layered pipeline lives in subpackages, one per layer:
//
//	internal/sourceid   SourceId identity and URL encoding
//	internal/source     Source abstraction (path, git, registry, sparse, local)
//	internal/index      per-registry index parse cache
//	internal/manifest    normalized manifest and workspace model
//	internal/resolver   dependency + feature resolver, lockfile
//	internal/unitgraph  compilation unit graph and metadata hashing
//	internal/fingerprint per-unit freshness tracking
//	internal/layout      build root layout and advisory locking
//	internal/jobqueue    concurrent scheduler, jobserver, compiler invocation
//	internal/artifact    output enumeration and stable-name uplift
//
// This package itself holds only small process-lifetime helpers: an
// interruptible context and at-exit hooks. Package identity lives in
// internal/pkgid.
package forge

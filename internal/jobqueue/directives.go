package jobqueue

import (
	"bufio"
	"io"
	"strings"
)

// Directives is the accumulated effect of a RunCustomBuild unit's stdout,
// parsed per spec.md §4.7's cargo: directive table. The parsed set is not
// mixed into any fingerprint, so a change in a build script's directives
// does not by itself make its dependents dirty.
type Directives struct {
	RerunIfChanged  []string          // fingerprint source-set additions
	RerunIfEnv      []string          // fingerprint env-var additions
	LinkLibs        []string          // -l
	LinkSearch      []string          // -L, possibly "KIND=path"
	Cfgs            []string          // --cfg KEY[=VAL]
	Env             map[string]string // set when compiling the owning package
	LinkArgs        []string          // -C link-arg, cdylib/bin only
	Warnings        []string          // cargo:warning=...
	DepVars         map[string]string // DEP_<pkg>_<KEY> for dependents
	ForwardedToStderr []string        // lines matching no prefix
}

// ParseDirectives scans a build script's stdout. ownerPkg names the owning
// package (for the DEP_<pkg>_<KEY> convention).
func ParseDirectives(stdout io.Reader, ownerPkg string) (Directives, error) {
	d := Directives{
		Env:     make(map[string]string),
		DepVars: make(map[string]string),
	}
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		rest, ok := cutPrefix(line, "cargo:")
		if !ok {
			d.ForwardedToStderr = append(d.ForwardedToStderr, line)
			continue
		}
		key, val, hasVal := splitOnce(rest, '=')
		switch key {
		case "rerun-if-changed":
			d.RerunIfChanged = append(d.RerunIfChanged, val)
		case "rerun-if-env-changed":
			d.RerunIfEnv = append(d.RerunIfEnv, val)
		case "rustc-link-lib":
			d.LinkLibs = append(d.LinkLibs, val)
		case "rustc-link-search":
			d.LinkSearch = append(d.LinkSearch, val)
		case "rustc-cfg":
			d.Cfgs = append(d.Cfgs, val)
		case "rustc-env":
			k, v, _ := splitOnce(val, '=')
			d.Env[k] = v
		case "rustc-link-arg":
			d.LinkArgs = append(d.LinkArgs, val)
		case "warning":
			d.Warnings = append(d.Warnings, val)
		default:
			if hasVal {
				upper := strings.ToUpper(strings.ReplaceAll(ownerPkg, "-", "_"))
				d.DepVars["DEP_"+upper+"_"+strings.ToUpper(strings.ReplaceAll(key, "-", "_"))] = val
			} else {
				d.ForwardedToStderr = append(d.ForwardedToStderr, line)
			}
		}
	}
	return d, sc.Err()
}

func cutPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

func splitOnce(s string, sep byte) (before, after string, ok bool) {
	idx := strings.IndexByte(s, sep)
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+1:], true
}

// BuildScriptEnv assembles the environment RunCustomBuild execs the script
// with, per spec.md §4.7: "OUT_DIR, TARGET, HOST, PROFILE, NUM_JOBS, per-dep
// DEP_<pkg>_<metadata-key>, and feature flags."
func BuildScriptEnv(outDir, target, host, profile string, numJobs int, features []string, depVars map[string]string) []string {
	env := []string{
		"OUT_DIR=" + outDir,
		"TARGET=" + target,
		"HOST=" + host,
		"PROFILE=" + profile,
	}
	env = append(env, "NUM_JOBS="+itoa(numJobs))
	for _, f := range features {
		env = append(env, "CARGO_FEATURE_"+strings.ToUpper(strings.ReplaceAll(f, "-", "_"))+"=1")
	}
	for k, v := range depVars {
		env = append(env, k+"="+v)
	}
	return env
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

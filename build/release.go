package build

import (
	"fmt"
	"os"
)

// ReleaseType distinguishes the build types that Select/Var switch on.
type ReleaseType string

// The recognized release types, matching the set that every Select call
// below discriminates against.
const (
	Dev      ReleaseType = "dev"
	Standard ReleaseType = "standard"
	Testing  ReleaseType = "testing"
)

var (
	// Release is set at build time (via -ldflags) to one of "dev",
	// "standard", or "testing"; defaults to "standard" for a plain `go
	// build` and is forced to "testing" under `go test`.
	Release = Standard

	// DEBUG enables additional assertions and verbose logging; forced on
	// for the testing release.
	DEBUG = false

	// Version is the core library version, set at build time via
	// -ldflags, e.g. -X 'github.com/uplo-tech/vaultshare/build.Version=1.2.3'.
	Version = "0.0.0-dev"
)

func init() {
	if testingBinary() {
		Release = Testing
		DEBUG = true
	}
}

// testingBinary reports whether the running binary was produced by `go
// test`, the same heuristic the teacher's build tag wiring targets.
func testingBinary() bool {
	for _, arg := range os.Args {
		if len(arg) >= len("test") && arg[len(arg)-4:] == "test" {
			return true
		}
	}
	return false
}

// Var holds one value per release type for use with Select.
type Var struct {
	Dev      interface{}
	Standard interface{}
	Testing  interface{}
}

// Select returns the Var field matching the current Release.
func Select(v Var) interface{} {
	switch Release {
	case Dev:
		return v.Dev
	case Testing:
		return v.Testing
	default:
		return v.Standard
	}
}

// Critical is called on invariant violations that should never happen in
// correct code. In a testing/dev release it panics so the violation is
// caught immediately; in a standard release it logs to stderr and returns,
// since a running daemon should degrade rather than crash a user's process.
func Critical(args ...interface{}) {
	msg := fmt.Sprintln(args...)
	if Release != Standard {
		panic("critical: " + msg)
	}
	fmt.Fprintln(os.Stderr, "critical:", msg)
}

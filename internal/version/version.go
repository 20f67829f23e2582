// Package version carries build-time identity. Version, Commit, and
// BuildDate are overridden via -ldflags at release time.
package version

import "fmt"

var (
	Version   = "dev"
	Commit    = "HEAD"
	BuildDate = "unknown"
)

// MinClientVersion is the oldest client release able to consume
// published ledger snapshots. Stamped into snapshot metadata so stale
// clients can refuse the download instead of misreading it.
const MinClientVersion = "0.9.0"

// String renders the full build identity.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate)
}

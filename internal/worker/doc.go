// Package worker holds the two event handlers of an offline worker and the
// registration that drives their lifecycle. Install pre-populates a named
// cache with the configured asset list; Fetch answers a request from that
// cache and falls back to the network on a miss without writing back.
// A Registration runs Install before a version may control its scope and
// keeps the previous controller when an install fails.
package worker

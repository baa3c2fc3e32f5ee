// Package rebuild prevents cache stampedes by serializing recomputation
// behind a distributed lock. A Rebuilder guarantees at most one concurrent
// rebuild per cache key and offers two read policies: blocking rebuild,
// where losers of the lock race wait for the winner's fill, and
// stale-while-revalidate, where readers past the freshness boundary are
// served the stale value immediately while one background refresh runs.
package rebuild

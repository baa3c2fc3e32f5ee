// Package store abstracts the coordination store backing the lock and cache
// packages. It exposes the minimal primitives the lock core needs: set-if-
// absent with expiry, owner-checked delete and expiry extension executed as
// indivisible server-side operations, and plain get/set/ttl/delete for cache
// consumers. Redis and in-memory backends are provided.
package store

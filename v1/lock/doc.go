// Package lock provides advisory distributed locks backed by a coordination
// store. Mutex is a single-node lock with owner-checked release, renewal and
// an optional background watchdog. Quorum is a multi-node lock that requires
// a majority of independent stores and accounts for clock drift when
// computing how long an acquired lock remains valid. Locks are advisory:
// mutual exclusion holds only among cooperating clients.
package lock

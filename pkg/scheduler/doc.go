// Package scheduler selects the universal agent that realizes a claimed
// target. Agents advertise capability globs at registration; selection keeps
// only the ones whose heartbeat is fresh, honors node binding, spreads load
// by outstanding assignment count and enforces at-most-one assignment for
// monopoly groups.
package scheduler

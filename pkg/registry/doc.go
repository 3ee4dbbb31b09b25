// Package registry wraps the coordination service: ephemeral worker
// membership under /rss/{dc}/{cluster}/workers, single-winner master
// election at /rss/{dc}/{cluster}/master, and the active-cluster pointer.
// A ZooKeeper implementation serves distributed deployments; an embedded
// in-process implementation serves tests.
package registry

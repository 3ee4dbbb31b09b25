// Package worker implements the shuttle worker: the per-node data server
// that accepts partitioned blocks from many map attempts, groups them in
// bounded memory, and flushes each partition sequentially to the DFS.
package worker

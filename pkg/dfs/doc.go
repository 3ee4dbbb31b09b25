// Package dfs abstracts the distributed file system shuttle persists to.
// It assumes append-until-close writes, atomic rename and list semantics,
// and provides local-filesystem and HDFS backends plus the directory
// layout shared by workers and readers.
package dfs

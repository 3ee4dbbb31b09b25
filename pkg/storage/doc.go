// Package storage provides the BoltDB-backed metadata store: the master's
// worker table and the worker's stage index and flush records.
package storage

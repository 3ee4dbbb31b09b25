// Package log provides structured logging for shuttle built on zerolog.
//
// The root logger is initialized once at process start; components derive
// child loggers through the shuffle identities in pkg/types (worker,
// stage, partition) so every line from the data path can be correlated
// back to the shuffle output it served.
package log

// Package shuffle is the client side of shuttle: the driver-facing
// manager that registers shuffles and builds routing handles, the
// executor-side writers (bypass, unsafe, sort) that packetize map output
// into partition-tagged blocks, and the reader that reconstructs a
// partition's record stream from the DFS once the stage marker appears.
package shuffle

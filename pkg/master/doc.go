// Package master implements the shuffle master: the leader-elected
// allocator that tracks live workers and assigns a worker group to each
// new shuffle via weighted random sampling.
package master

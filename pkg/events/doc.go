// Package events provides a small channel-based broker for cluster events
// (worker membership, stage lifecycle) published by the master and worker.
package events

// Package eventsink buffers events and measurements produced by device
// callbacks until a client polls for them.
//
// Producers push from any goroutine without blocking. A drain atomically
// detaches everything queued so far and returns it in arrival order; items
// pushed during a drain land in the next one. Nothing is ever dropped, so
// queue growth is bounded only by how often clients poll.
package eventsink

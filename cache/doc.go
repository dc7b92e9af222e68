// Package cache provides a fixed-capacity in-memory LRU store with a
// non-blocking read path and background persistence.
//
// Reads are served from a sync.Map and never take the writer lock;
// recency bookkeeping for eviction is applied by writers, which drain
// pending access notes before inserting. A put is visible to readers
// immediately and enqueues a persistence pass that snapshots the cache
// to durable storage (file with atomic rename, or Redis) off the hot
// path. A corrupt persisted snapshot is treated as a cold start, never
// as a hard failure.
package cache

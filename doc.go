// Package queue provides a durable message-queue abstraction with
// at-least-once delivery and pluggable backends.
//
// A queue is two logical stores: a queued store (messages awaiting delivery,
// FIFO by insertion) and an ephemeral store (messages taken by a consumer but
// not yet acknowledged, keyed by id). Take moves a message from queued to
// ephemeral, Finish removes it from ephemeral, Requeue moves it back. Work
// that was taken but never acknowledged is recovered through OrphanMessages
// and MoveFromEphemeralToQueue, typically driven by a Recoverer.
//
// # Lifecycle
//
//  1. Queue: message stamped (numRequeues=0, originalTimestamp, timestamp)
//     and pushed to the queued store
//  2. Take: message popped from queued and stashed in ephemeral
//  3. Finish: message removed from ephemeral (terminal)
//     Requeue: message moved back to queued, numRequeues incremented
//     RequeueSilent: same move, counters and timestamps untouched
//  4. Orphan recovery: long-lived ephemeral entries moved back to queued
//     without consulting the consumer
//
// Backends implement the narrow Backend port; the Engine wraps a backend with
// the state machine above, clone discipline, deadlock retry, and duplicate-key
// tolerance. Shipped adapters: inmem (concurrent containers), sqlq (two
// relational tables), redisq (hash+list+sorted set with server-side scripts),
// kafkaq (single topic, no ephemeral store), pebbleq (embedded Pebble
// keyspace), and mongoq (two collections).
//
// Messages are delivered at least once. Duplicates can occur when a consumer
// crashes after processing but before Finish, or when orphan recovery requeues
// a message that is still being worked on. Consumers should be idempotent.
package queue

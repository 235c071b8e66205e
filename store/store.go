package store

// Package store provides persistence implementations for submitted outcomes.
// The OutcomeStore and Sequencer interfaces are defined in the parent stepflow
// package (../store_interface.go, ../reference.go) to avoid import cycles.
//
// This package contains concrete implementations:
//   - DynamoDBStore, DynamoDBSequencer: AWS DynamoDB backend
//   - PostgresStore: PostgreSQL backend
//   - CachedStore: LRU read-through cache in front of any OutcomeStore
//   - RedisSequencer: reference counters in Redis
//   - MemoryStore, MemorySequencer: in-memory backend for tests and local runs
//
// The DynamoDB schema follows the single-table patterns defined in schema.go.
// Duplicate detection policies live in dedup.go.

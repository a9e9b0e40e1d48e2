// Package redis implements the conveyor backends on Redis.
//
// Each queue is three lists and a sorted set under the queue's own name
// (see queue.KeysFor). Claims use BLMOVE from the right of main to the
// left of processing, so a claimed member is never outside Redis. Every
// other transition runs as a Lua script that removes the member first and
// inserts only if the removal succeeded; repeating a transition is
// therefore harmless.
//
// Usage counters are hashes at usage:<user>:<feature> updated by a single
// script that checks and increments in one step. A counter expires at its
// own reset time.
//
// Scripts touch several keys of one queue. Under Redis Cluster those keys
// hash to different slots, so the store requires a standalone or
// sentinel-managed server.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

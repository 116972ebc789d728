package main

import (
	"sync"
	"time"
)

type rateRecord struct {
	count int
	reset time.Time
}

// RateLimiter throttles failed authentication attempts per remote
// address within a fixed window. Successful requests never consume
// budget; only rejections do, so a hostile scanner locks itself out
// while a healthy agent is unaffected.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	entries map[string]rateRecord
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		entries: make(map[string]rateRecord),
	}
}

// Blocked reports whether key has exhausted its failure budget.
func (rl *RateLimiter) Blocked(key string) bool {
	if rl.limit <= 0 {
		return false
	}
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rec, ok := rl.entries[key]
	if !ok || now.After(rec.reset) {
		return false
	}
	return rec.count >= rl.limit
}

// RecordFailure charges one failed attempt against key.
func (rl *RateLimiter) RecordFailure(key string) {
	if rl.limit <= 0 {
		return
	}
	now := time.Now()
	rl.mu.Lock()
	rec, ok := rl.entries[key]
	if !ok || now.After(rec.reset) {
		rec = rateRecord{reset: now.Add(rl.window)}
	}
	rec.count++
	rl.entries[key] = rec
	rl.mu.Unlock()
}

type RateLimiterStats struct {
	Keys int `json:"keys"`
}

func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return RateLimiterStats{Keys: len(rl.entries)}
}

// Package cache holds the last known result of every read, keyed by a flat string.
package cache

import "time"

// Entry is one cached result
type Entry struct {
	Key      string        `json:"key"`
	Value    interface{}   `json:"value"`
	StoredAt time.Time     `json:"storedAt"`
	TTL      time.Duration `json:"ttl"`

	gen uint64 // store generation the fetch began in
}

// FreshAt reports whether the entry is still within its TTL at now.
// An entry stored exactly TTL ago is already stale.
func (e Entry) FreshAt(now time.Time) bool {
	return now.Sub(e.StoredAt) < e.TTL
}

// Age returns how long ago the entry was stored
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

package reader

import (
	"time"

	"chainreader/internal/cache"
)

// Result is what every read resolves to. Reads never fail: when the endpoint cannot
// answer, the last known value is returned with Available set to false.
type Result[T any] struct {
	Value     T         `json:"value"`
	Found     bool      `json:"found"`
	Stale     bool      `json:"stale"`
	Available bool      `json:"available"`
	StoredAt  time.Time `json:"storedAt"`
	Error     string    `json:"error,omitempty"`
}

// FromEntry converts a cache entry into a Result. A value of the wrong type reads as not found.
func FromEntry[T any](e cache.Entry, stale, available bool) Result[T] {
	v, ok := e.Value.(T)
	if !ok {
		return Result[T]{Available: available}
	}
	return Result[T]{
		Value:     v,
		Found:     true,
		Stale:     stale,
		Available: available,
		StoredAt:  e.StoredAt,
	}
}

// Map converts the value of a found result, keeping its flags
func Map[T, U any](r Result[T], fn func(T) U) Result[U] {
	out := Result[U]{
		Found:     r.Found,
		Stale:     r.Stale,
		Available: r.Available,
		StoredAt:  r.StoredAt,
		Error:     r.Error,
	}
	if r.Found {
		out.Value = fn(r.Value)
	}
	return out
}

// Package sweep runs the periodic expiry sweep for refresh credentials.
//
// The session manager never retries a failed store call; the sweeper is the
// external timer that does, backing off exponentially while the store reports
// itself unavailable.
package sweep

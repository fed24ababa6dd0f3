// Package dedupe provides a bounded, time-windowed set used to reject
// replayed authentication nonces.
package dedupe

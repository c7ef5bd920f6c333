// Package dedupe provides request deduplication using a time-based cache
// that replays the stored result for a repeated key within a configurable window.
package dedupe

// Package errkind implements the error taxonomy from spec §7: a small set
// of typed wrapper errors that every I/O boundary in this module classifies
// its failures into, so callers can react with errors.Is/errors.As instead
// of string matching.
package errkind

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap an underlying error with Wrap below and callers check membership with errors.Is(err, errkind.Transient)
// etc.
var (
	// Transient covers HTTP 5xx, upload timeouts, and VCS conflicts: retry
	// with exponential-jitter backoff, then surface.
	Transient = errors.New("transient error")

	// RateLimited covers API quota exhaustion: break out of the current
	// pass; the next iteration resumes.
	RateLimited = errors.New("rate limited")

	// ChecksumMismatch covers a downloaded archive whose MD5 does not match
	// the expected value: fatal for that package, the pass continues.
	ChecksumMismatch = errors.New("checksum mismatch")

	// Unindexable covers an indexer failure on an allow-listed package:
	// never an error, degrade to a null-repodata shard.
	Unindexable = errors.New("package is not indexable")

	// Inconsistent covers a shard-store revision that doesn't match the
	// revision recorded in the Link Table: force a full rebuild.
	Inconsistent = errors.New("shard store revision is inconsistent with the link table")

	// Fatal covers an unrecoverable startup condition, e.g. releases are
	// enabled but no prior Link Table can be found and --allow-unsafe was
	// not given.
	Fatal = errors.New("fatal startup error")
)

// Wrap returns an error reporting as both kind (via errors.Is) and wrapping
// err (via errors.Unwrap), annotated with msg.
func Wrap(kind error, msg string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", msg, kind)
	}

	return fmt.Errorf("%s: %w: %w", msg, kind, err)
}

// Kind reports which taxonomy sentinel (if any) classifies err.
func Kind(err error) (error, bool) {
	for _, k := range []error{Transient, RateLimited, ChecksumMismatch, Unindexable, Inconsistent, Fatal} {
		if errors.Is(err, k) {
			return k, true
		}
	}

	return nil, false
}

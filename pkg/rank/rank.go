// Package rank computes the shard-key rank partitioning used to split
// Upstream Sync and Release work horizontally across N replicas (spec §3
// "Sharded indexing key", §4.3 step 2, §5 rank-partitioning invariant).
package rank

import (
	"crypto/sha1" //nolint:gosec // partitioning key, not a security boundary
)

// Of returns the rank owning "subdir/package" out of n total ranks:
// SHA1(subdir/package)[0] mod n.
//
// n must be >= 1; callers that run a single-process Worker Loop pass n=1,
// under which every key belongs to rank 0.
func Of(subdir, pkg string, n int) int {
	if n <= 1 {
		return 0
	}

	sum := sha1.Sum([]byte(subdir + "/" + pkg)) //nolint:gosec

	return int(sum[0]) % n
}

// Owns reports whether the given rank owns (subdir, package) out of n total
// ranks.
func Owns(subdir, pkg string, n, r int) bool {
	return Of(subdir, pkg, n) == r
}

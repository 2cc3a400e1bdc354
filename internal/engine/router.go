package engine

import (
	"github.com/cespare/xxhash/v2"
)

// BucketOf assigns a subscription identity to one of n buckets.
// The hash is stable across processes and restarts, so n must not change
// without reprocessing every subscription's bucket_number.
func BucketOf(tenant, owner, name string, n int) int {
	if n <= 1 {
		return 0
	}
	d := xxhash.New()
	_, _ = d.WriteString(tenant)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(owner)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(name)
	return int(d.Sum64() % uint64(n))
}

package cache

import (
	"github.com/google/uuid"
)

const keyspace = "mediaforge:"

// JobSnapshotKey holds the rendered snapshot of a finished job. Finished jobs never change,
// so the entry only needs a TTL to bound memory.
func JobSnapshotKey(tenantID, jobID uuid.UUID) string {
	return keyspace + "snapshot:" + tenantID.String() + ":" + jobID.String()
}

// RateLimitKey holds the request window of one API key, addressed by its lookup prefix.
func RateLimitKey(keyPrefix string) string {
	return keyspace + "ratelimit:" + keyPrefix
}

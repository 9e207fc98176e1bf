package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of partitions for the system.
const ShardCount = 1024

// GetShardID calculates the deterministic shard ID for a given entity ID.
func GetShardID(entityID string) int {
	checksum := crc32.ChecksumIEEE([]byte(entityID))
	return int(checksum % ShardCount)
}

// GetSubject returns the NATS subject for a topic and partition key.
// Format: {topic}.{shard_id}
func GetSubject(topic, key string) string {
	return fmt.Sprintf("%s.%d", topic, GetShardID(key))
}

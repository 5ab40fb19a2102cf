package shard

import (
	"encoding/binary"
	"hash/fnv"

	"sensorstream/internal/domain"
)

const PartitionCount = 8

// PartitionForStream maps a stream id onto a stable egress partition so
// frames of one stream are always handled by the same worker.
func PartitionForStream(id domain.StreamID) int {
	var key [4]byte
	binary.LittleEndian.PutUint32(key[:], uint32(id))
	h := fnv.New64a()
	_, _ = h.Write(key[:])
	return int(h.Sum64() % PartitionCount)
}

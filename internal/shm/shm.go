package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrClosed is returned to a waiting reader once the writer has destroyed
// the channel's named objects.
var ErrClosed = errors.New("shm: channel closed")

// ChannelName derives the shared-memory base name for a stream endpoint.
func ChannelName(port uint16, streamID uint32) string {
	return fmt.Sprintf("carla_%d_%d", port, streamID)
}

func objectPath(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", name)
	}
	return filepath.Join(os.TempDir(), name)
}

// RemoveNamed unlinks the region, mutex and condition objects for a base
// name. Removal is idempotent; missing objects are not an error.
func RemoveNamed(name string) {
	for _, suffix := range []string{"", "_mutex", "_condition"} {
		_ = os.Remove(objectPath(name + suffix))
	}
}

package shm

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"
)

// channelHeader sits at offset 0 of the region. payloadSize counts the
// valid payload bytes following the header; sequenceID increments on every
// publish and is what readers wait on.
type channelHeader struct {
	payloadSize uint64
	sequenceID  uint64
}

const headerSize = uint64(unsafe.Sizeof(channelHeader{}))

// Channel is a named single-writer / multi-reader latest-value frame
// channel. The writer holds a read-write mapping obtained via Create; each
// reader holds a read-only mapping obtained via Open. The region grows
// monotonically; the header's payloadSize is authoritative for the current
// frame.
type Channel struct {
	name        string
	sync        *NamedSync
	file        *os.File
	mem         []byte
	writable    bool
	lastSeen    uint64
	interrupted atomic.Bool
}

// Create removes any stale named objects with this base name, creates the
// region and its sync pair, and materializes the header. The returned
// handle is the writer.
func Create(name string) (*Channel, error) {
	RemoveNamed(name)

	file, err := os.OpenFile(objectPath(name), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create region %s: %w", name, err)
	}
	sy, err := OpenSync(name)
	if err != nil {
		file.Close()
		_ = os.Remove(objectPath(name))
		return nil, err
	}
	c := &Channel{name: name, sync: sy, file: file, writable: true}
	if err := c.Resize(0); err != nil {
		c.Destroy()
		return nil, err
	}
	return c, nil
}

// Open attaches to an existing region by name with a read-only mapping.
// The sync pair is opened or created; the region must already exist.
func Open(name string) (*Channel, error) {
	sy, err := OpenSync(name)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(objectPath(name))
	if err != nil {
		sy.Close()
		return nil, fmt.Errorf("shm: open region %s: %w", name, err)
	}
	c := &Channel{name: name, sync: sy, file: file}
	if err := c.remap(); err != nil {
		c.Close()
		return nil, err
	}
	if uint64(len(c.mem)) < headerSize {
		c.Close()
		return nil, fmt.Errorf("shm: region %s too small: %d bytes", name, len(c.mem))
	}
	// Start observing from the current sequence: frames published before
	// the attach are never delivered.
	c.sync.LockShared()
	c.lastSeen = atomic.LoadUint64(&c.header().sequenceID)
	c.sync.UnlockShared()
	return c, nil
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) header() *channelHeader {
	return (*channelHeader)(unsafe.Pointer(&c.mem[0]))
}

// remap refreshes the mapping to the region's current on-disk size.
func (c *Channel) remap() error {
	info, err := c.file.Stat()
	if err != nil {
		return fmt.Errorf("shm: stat region %s: %w", c.name, err)
	}
	if c.mem != nil {
		if err := munmap(c.mem); err != nil {
			return err
		}
		c.mem = nil
	}
	mem, err := mmapFile(c.file, int(info.Size()), c.writable)
	if err != nil {
		return err
	}
	c.mem = mem
	return nil
}

// Resize grows the region so it can hold payloadSize payload bytes and
// records that size in the header. Shrinking is never performed. Writer
// only.
func (c *Channel) Resize(payloadSize uint64) error {
	c.sync.LockExclusive()
	defer c.sync.UnlockExclusive()
	if c.sync.Closed() {
		return ErrClosed
	}
	needed := payloadSize + headerSize
	if c.mem == nil || needed > uint64(len(c.mem)) {
		if err := c.file.Truncate(int64(needed)); err != nil {
			return fmt.Errorf("shm: grow region %s to %d: %w", c.name, needed, err)
		}
		if err := c.remap(); err != nil {
			return err
		}
	}
	atomic.StoreUint64(&c.header().payloadSize, payloadSize)
	return nil
}

// WriteFrame publishes the concatenation of buffers as the next frame,
// wakes every attached reader and returns the new sequence id. Writer only.
func (c *Channel) WriteFrame(buffers [][]byte) (uint64, error) {
	var total uint64
	for _, b := range buffers {
		total += uint64(len(b))
	}
	if err := c.Resize(total); err != nil {
		return 0, err
	}
	c.sync.LockExclusive()
	defer c.sync.UnlockExclusive()
	if c.sync.Closed() {
		return 0, ErrClosed
	}
	seq := atomic.AddUint64(&c.header().sequenceID, 1)
	off := headerSize
	for _, b := range buffers {
		copy(c.mem[off:off+uint64(len(b))], b)
		off += uint64(len(b))
	}
	c.sync.NotifyAll()
	return seq, nil
}

// ReadFrame blocks until a frame newer than the last one observed by this
// handle is published, then invokes callback with the payload. The slice is
// only valid for the duration of the callback; callers copy out before
// returning. Returns ErrClosed once the writer has destroyed the channel.
func (c *Channel) ReadFrame(callback func(payload []byte)) error {
	c.sync.LockShared()
	defer c.sync.UnlockShared()
	err := c.sync.WaitShared(func() bool {
		return c.interrupted.Load() || atomic.LoadUint64(&c.header().sequenceID) != c.lastSeen
	})
	if err != nil {
		return err
	}
	if c.interrupted.Load() {
		return ErrClosed
	}
	size := atomic.LoadUint64(&c.header().payloadSize)
	if headerSize+size > uint64(len(c.mem)) {
		if err := c.remap(); err != nil {
			return err
		}
		size = atomic.LoadUint64(&c.header().payloadSize)
	}
	c.lastSeen = atomic.LoadUint64(&c.header().sequenceID)
	callback(c.mem[headerSize : headerSize+size])
	return nil
}

// Snapshot returns the current header values. Intended for health lines and
// tests.
func (c *Channel) Snapshot() (sequenceID, payloadSize uint64) {
	c.sync.LockShared()
	defer c.sync.UnlockShared()
	h := c.header()
	return atomic.LoadUint64(&h.sequenceID), atomic.LoadUint64(&h.payloadSize)
}

// Interrupt makes pending and future ReadFrame calls on this handle return
// ErrClosed. Local to the handle; other readers are unaffected.
func (c *Channel) Interrupt() {
	c.interrupted.Store(true)
	if c.sync != nil {
		c.sync.Kick()
	}
}

// Close releases this handle without removing the named objects. Reader
// side.
func (c *Channel) Close() {
	if c.mem != nil {
		_ = munmap(c.mem)
		c.mem = nil
	}
	if c.file != nil {
		_ = c.file.Close()
		c.file = nil
	}
	if c.sync != nil {
		c.sync.Close()
		c.sync = nil
	}
}

// Destroy wakes waiting readers, releases the handle and removes the named
// region, mutex and condition. Writer side. The mapping is torn down under
// the exclusive lock so an in-flight WriteFrame drains first; a writer
// arriving later observes the closed flag and returns ErrClosed.
func (c *Channel) Destroy() {
	if c.sync != nil {
		c.sync.MarkClosed()
		c.sync.LockExclusive()
		if c.mem != nil {
			_ = munmap(c.mem)
			c.mem = nil
		}
		c.sync.UnlockExclusive()
	}
	c.Close()
	RemoveNamed(c.name)
}

package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"sensorstream/internal/domain"
)

// The subscription handshake is two messages. The subscriber opens the
// connection and sends its stream id as a raw little-endian uint32; the
// server answers with the NUL-terminated shared-memory channel name and
// then holds the connection open for the lifetime of the subscription.

const maxNameLen = 256

var ErrNameTooLong = errors.New("wire: channel name exceeds limit")

func WriteStreamID(w io.Writer, id domain.StreamID) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(id))
	_, err := w.Write(buf[:])
	return err
}

func ReadStreamID(r io.Reader) (domain.StreamID, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return domain.StreamID(binary.LittleEndian.Uint32(buf[:])), nil
}

// ReadChannelName consumes bytes up to and including the NUL terminator
// and returns the name without it.
func ReadChannelName(r *bufio.Reader) (string, error) {
	name := make([]byte, 0, 32)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0x00 {
			return string(name), nil
		}
		name = append(name, b)
		if len(name) > maxNameLen {
			return "", ErrNameTooLong
		}
	}
}

func AppendChannelName(dst []byte, name string) ([]byte, error) {
	if len(name) > maxNameLen {
		return nil, ErrNameTooLong
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0x00 {
			return nil, fmt.Errorf("wire: channel name contains NUL at %d", i)
		}
	}
	dst = append(dst, name...)
	return append(dst, 0x00), nil
}

package recorder

import (
	"context"

	"sensorstream/internal/domain"
)

// RecordedFrame is one persisted frame: its metadata plus the payload
// bytes as published.
type RecordedFrame struct {
	Meta    domain.FrameMeta
	Payload []byte
}

// Recorder is the persistence contract for the frame archive.
type Recorder interface {
	Record(ctx context.Context, frame RecordedFrame) error
	// QueryRange returns up to limit frames of the stream with sequence
	// >= fromSeq, in sequence order.
	QueryRange(ctx context.Context, id domain.StreamID, fromSeq uint64, limit int) ([]RecordedFrame, error)
	Close() error
}

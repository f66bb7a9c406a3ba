package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
)

// ErrQueueClosed is returned by Pop once the queue is closed and drained.
var ErrQueueClosed = errors.New("audio queue closed")

// DefaultChunkSize is the read size used by Pump: 4096 bytes of 16-bit
// mono PCM.
const DefaultChunkSize = 4096

// Queue carries PCM chunks from one producer to one consumer. Send and
// Close belong to the producer goroutine; Pop and Collect to the consumer.
type Queue struct {
	ch     chan []byte
	err    error
	logger *slog.Logger
}

// NewQueue returns a queue buffering up to size chunks.
func NewQueue(size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		ch:     make(chan []byte, size),
		logger: logger,
	}
}

// Send enqueues a copy of chunk, waiting for room until ctx ends.
func (q *Queue) Send(ctx context.Context, chunk []byte) error {
	select {
	case q.ch <- bytes.Clone(chunk):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the end of the stream.
func (q *Queue) Close() {
	q.CloseWithError(nil)
}

// CloseWithError ends the stream; after the buffered chunks, Pop returns
// err instead of ErrQueueClosed.
func (q *Queue) CloseWithError(err error) {
	q.err = err
	close(q.ch)
}

// Pump reads r in pieces of at most chunkSize bytes until EOF, then closes
// the queue. A read or send error closes it with that error.
func (q *Queue) Pump(ctx context.Context, r io.Reader, chunkSize int) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	buf := make([]byte, chunkSize)
	total := 0
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if serr := q.Send(ctx, buf[:n]); serr != nil {
				q.CloseWithError(serr)
				return
			}
			total += n
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			q.logger.Debug("Audio stream drained", "bytes", total)
			q.Close()
		default:
			q.CloseWithError(err)
		}
		return
	}
}

// Pop waits for the next chunk.
func (q *Queue) Pop(ctx context.Context) ([]byte, error) {
	select {
	case chunk, ok := <-q.ch:
		if !ok {
			if q.err != nil {
				return nil, q.err
			}
			return nil, ErrQueueClosed
		}
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Collect concatenates chunks until the queue is closed or ctx ends.
func (q *Queue) Collect(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	for {
		chunk, err := q.Pop(ctx)
		if errors.Is(err, ErrQueueClosed) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return buf.Bytes(), err
		}
		buf.Write(chunk)
	}
}

// Package recorder keeps a local copy of the captured streams.
//
// Each stream is read continuously and cut into chunks of a fixed interval,
// the chunks stay in memory until the stream is stopped and become one blob.
// Recording does not care about the connection state. The recorder owns
// the sources it reads and closes them when the stream finishes.
package recorder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/examwatch/proctor/pkg/media"
	"github.com/examwatch/proctor/pkg/storage"
	"github.com/hashicorp/go-multierror"
)

const DefaultChunk = time.Second

// closeWait bounds the wait for the reader of a closed source.
const closeWait = time.Second

// Blob is a finished recording.
type Blob struct {
	StreamID string
	Kind     api.Kind
	Label    api.Label
	Started  time.Time
	Stopped  time.Time
	Chunks   int
	Data     []byte
	// Name is set when the blob was saved to the sink.
	Name string
}

func (b *Blob) Size() int { return len(b.Data) }

type Options struct {
	Chunk time.Duration
	Sink  storage.Storage
	Ext   string
	Log   *logger.Logger
	Now   func() time.Time
}

type Recorder struct {
	opts Options
	log  *logger.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

func New(opts Options) *Recorder {
	if opts.Chunk <= 0 {
		opts.Chunk = DefaultChunk
	}
	if opts.Ext == "" {
		opts.Ext = "rec"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = logger.Default()
	}
	return &Recorder{opts: opts, log: log.Tagged("mod", "recorder"), streams: make(map[string]*stream)}
}

type stream struct {
	id      string
	src     media.Source
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	ended   chan struct{}

	mu      sync.Mutex
	chunks  [][]byte
	current bytes.Buffer
	stopped bool
	err     error
}

// cut closes the current chunk.
func (s *stream) cut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutLocked()
}

func (s *stream) cutLocked() {
	if s.current.Len() == 0 {
		return
	}
	s.chunks = append(s.chunks, append([]byte(nil), s.current.Bytes()...))
	s.current.Reset()
}

func (s *stream) write(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.current.Write(data)
	return true
}

// Start records the source under the stream id until Stop.
// Starting an active stream does nothing.
func (r *Recorder) Start(ctx context.Context, id string, src media.Source) error {
	if src == nil {
		return errors.New("no source")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[id]; ok {
		r.log.Warn().Str("stream", id).Msg("recording is already started")
		return nil
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &stream{id: id, src: src, started: r.opts.Now(), cancel: cancel, done: make(chan struct{}), ended: make(chan struct{})}
	r.streams[id] = s
	go r.capture(sctx, s)
	r.log.Info().Str("stream", id).Dur("chunk", r.opts.Chunk).Msg("recording")
	return nil
}

func (r *Recorder) capture(ctx context.Context, s *stream) {
	defer close(s.done)

	go func() {
		defer close(s.ended)
		for {
			sample, err := s.src.ReadSample()
			if err != nil {
				s.mu.Lock()
				if !s.stopped && !errors.Is(err, io.EOF) {
					s.err = err
				}
				s.mu.Unlock()
				return
			}
			if !s.write(sample.Data) {
				return
			}
		}
	}()

	t := time.NewTicker(r.opts.Chunk)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ended:
			return
		case <-t.C:
			s.cut()
		}
	}
}

// Stop finishes the stream and returns its blob, nil for unknown streams.
func (r *Recorder) Stop(id string) (*Blob, error) {
	r.mu.Lock()
	s, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return r.finish(s)
}

func (r *Recorder) finish(s *stream) (*Blob, error) {
	s.cancel()
	<-s.done

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	closeErr := s.src.Close()
	select {
	case <-s.ended:
	case <-time.After(closeWait):
		r.log.Warn().Str("stream", s.id).Msg("source reader is still blocked")
	}

	s.mu.Lock()
	s.cutLocked()
	b := &Blob{
		StreamID: s.id,
		Kind:     s.src.Kind(),
		Label:    s.src.Label(),
		Started:  s.started,
		Stopped:  r.opts.Now(),
		Chunks:   len(s.chunks),
		Data:     bytes.Join(s.chunks, nil),
	}
	err := s.err
	s.chunks = nil
	s.mu.Unlock()

	var result *multierror.Error
	if err != nil {
		result = multierror.Append(result, err)
	}
	if closeErr != nil {
		result = multierror.Append(result, closeErr)
	}
	if r.opts.Sink != nil && b.Size() > 0 {
		name := storage.NewName(s.id, r.opts.Ext)
		if err := r.opts.Sink.Save(context.Background(), name, b.Data); err != nil {
			result = multierror.Append(result, err)
		} else {
			b.Name = name
		}
	}
	r.log.Info().Str("stream", s.id).Int("chunks", b.Chunks).Int("size", b.Size()).Str("name", b.Name).Msg("recording stopped")
	return b, result.ErrorOrNil()
}

// StopAll finishes every stream. The blobs are returned even if some failed.
func (r *Recorder) StopAll() (map[string]*Blob, error) {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[string]*stream)
	r.mu.Unlock()

	out := make(map[string]*Blob, len(streams))
	var result *multierror.Error
	for id, s := range streams {
		b, err := r.finish(s)
		if err != nil {
			result = multierror.Append(result, err)
		}
		out[id] = b
	}
	return out, result.ErrorOrNil()
}

// Active returns the ids of the running streams.
func (r *Recorder) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	return ids
}

// Close stops everything, the blobs are dropped unless a sink keeps them.
func (r *Recorder) Close() error {
	_, err := r.StopAll()
	return err
}

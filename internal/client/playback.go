package client

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/livebridge/pkg/audio"
)

// PlaybackOption configures a [PlaybackQueue].
type PlaybackOption func(*PlaybackQueue)

// WithMaxBacklog bounds the number of frames waiting behind the one being
// rendered. When the backlog is full the incoming frame is dropped. Zero or a
// negative value means unbounded.
func WithMaxBacklog(n int) PlaybackOption {
	return func(q *PlaybackQueue) {
		q.maxBacklog = max(n, 0)
	}
}

// PlaybackQueue renders received frames one at a time, in arrival order, on a
// single output device. A frame is always rendered in full before the next one
// starts; nothing is ever mixed, overlapped or partially dropped.
//
// Enqueue never blocks. Draining happens on the goroutine running
// [PlaybackQueue.Run], which is the only caller of the output device's Play.
type PlaybackQueue struct {
	out        audio.OutputDevice
	maxBacklog int

	mu      sync.Mutex
	queue   []audio.Frame
	playing bool
	closed  bool

	notify chan struct{}
}

// NewPlaybackQueue returns an idle queue rendering to out. Nothing plays until
// [PlaybackQueue.Run] is started.
func NewPlaybackQueue(out audio.OutputDevice, opts ...PlaybackOption) *PlaybackQueue {
	q := &PlaybackQueue{
		out:    out,
		notify: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue appends f to the tail of the queue and wakes the drain loop if it is
// idle. It reports false when the frame was dropped because the queue is
// closed or the backlog is full.
func (q *PlaybackQueue) Enqueue(f audio.Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.maxBacklog > 0 && len(q.queue) >= q.maxBacklog {
		slog.Warn("playback backlog full, dropping frame",
			"backlog", len(q.queue),
			"samples", len(f.Samples),
		)
		return false
	}
	q.queue = append(q.queue, f)
	q.playing = true

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Playing reports whether a frame is being rendered or waiting to be. It turns
// false only once the queue has fully drained.
func (q *PlaybackQueue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Len returns the number of frames waiting behind the one being rendered.
func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Clear drops every pending frame. The frame currently being rendered, if any,
// still completes.
func (q *PlaybackQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.queue)
	q.queue = q.queue[:0]
}

// Run drains the queue until ctx is cancelled or the output device fails. On
// return the queue is closed and further Enqueue calls are rejected. A device
// failure is returned; cancellation returns nil.
func (q *PlaybackQueue) Run(ctx context.Context) error {
	defer q.close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.notify:
		}

		for {
			f, ok := q.dequeue()
			if !ok {
				break
			}
			if err := q.out.Play(ctx, f); err != nil {
				// Closing the device on shutdown also aborts Play.
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// dequeue pops the head frame. When the queue is empty it clears the playing
// flag and reports ok=false.
func (q *PlaybackQueue) dequeue() (audio.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queue) == 0 {
		q.playing = false
		return audio.Frame{}, false
	}
	f := q.queue[0]
	q.queue[0] = audio.Frame{}
	q.queue = q.queue[1:]
	q.playing = true
	return f, true
}

func (q *PlaybackQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.playing = false
	q.queue = nil
}

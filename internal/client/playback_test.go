package client_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/livebridge/internal/client"
	"github.com/MrWong99/livebridge/pkg/audio"
	"github.com/MrWong99/livebridge/pkg/audio/mock"
)

// runQueue starts q.Run and returns a channel delivering its result.
func runQueue(t *testing.T, q *client.PlaybackQueue) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- q.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errCh
}

func frame(id int, n int) audio.Frame {
	return audio.Frame{
		Samples:    make([]float32, n),
		SampleRate: audio.OutputSampleRate,
		Timestamp:  time.Duration(id),
	}
}

func TestPlaybackQueue_FIFOWithoutOverlap(t *testing.T) {
	t.Parallel()

	out := &mock.Output{PlayDelay: 3 * time.Millisecond}
	q := client.NewPlaybackQueue(out)
	runQueue(t, q)

	const n = 10
	for i := range n {
		if !q.Enqueue(frame(i, 240)) {
			t.Fatalf("Enqueue(%d) rejected", i)
		}
	}

	waitFor(t, 2*time.Second, "all frames played", func() bool { return len(out.Completed()) == n })

	for i, f := range out.Completed() {
		if got := int(f.Timestamp); got != i {
			t.Errorf("completed[%d] is frame %d; want %d", i, got, i)
		}
	}
	if got := out.MaxConcurrent(); got != 1 {
		t.Errorf("MaxConcurrent() = %d; want 1", got)
	}

	// Each frame starts only after the previous one completed.
	events := out.Events()
	for i := 0; i+1 < len(events); i += 2 {
		if !events[i].Start || events[i+1].Start {
			t.Fatalf("events %d/%d are not a start/complete pair", i, i+1)
		}
	}
}

func TestPlaybackQueue_StartsImmediatelyWhenIdle(t *testing.T) {
	t.Parallel()

	out := &mock.Output{Gate: make(chan struct{})}
	q := client.NewPlaybackQueue(out)
	runQueue(t, q)

	// 200 bytes of PCM decode to a 100-sample frame.
	samples, err := audio.DecodeInbound(make([]byte, 200))
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	q.Enqueue(audio.Frame{Samples: samples, SampleRate: audio.OutputSampleRate})

	waitFor(t, time.Second, "playback start", func() bool { return len(out.Events()) == 1 })
	if got := len(out.Events()[0].Frame.Samples); got != 100 {
		t.Errorf("playing frame has %d samples; want 100", got)
	}
	if !q.Playing() {
		t.Error("Playing() = false while a frame renders")
	}

	out.Gate <- struct{}{}
	waitFor(t, time.Second, "queue idle", func() bool { return !q.Playing() })
}

func TestPlaybackQueue_PlayingAcrossFrames(t *testing.T) {
	t.Parallel()

	out := &mock.Output{Gate: make(chan struct{})}
	q := client.NewPlaybackQueue(out)
	runQueue(t, q)

	q.Enqueue(frame(0, 10))
	q.Enqueue(frame(1, 10))
	waitFor(t, time.Second, "first frame", func() bool { return len(out.Events()) == 1 })

	out.Gate <- struct{}{}
	waitFor(t, time.Second, "second frame", func() bool { return len(out.Events()) == 3 })
	if !q.Playing() {
		t.Error("Playing() = false between queued frames")
	}
	out.Gate <- struct{}{}
	waitFor(t, time.Second, "queue idle", func() bool { return !q.Playing() })

	// A later enqueue restarts draining.
	q.Enqueue(frame(2, 10))
	waitFor(t, time.Second, "restart", func() bool { return len(out.Events()) == 5 })
	out.Gate <- struct{}{}
}

func TestPlaybackQueue_MaxBacklogDropsIncoming(t *testing.T) {
	t.Parallel()

	out := &mock.Output{Gate: make(chan struct{})}
	q := client.NewPlaybackQueue(out, client.WithMaxBacklog(1))
	runQueue(t, q)

	q.Enqueue(frame(0, 10))
	waitFor(t, time.Second, "first frame", func() bool { return len(out.Events()) == 1 })

	if !q.Enqueue(frame(1, 10)) {
		t.Fatal("second frame rejected with room in the backlog")
	}
	if q.Enqueue(frame(2, 10)) {
		t.Fatal("third frame accepted beyond the backlog")
	}
	if got := q.Len(); got != 1 {
		t.Errorf("Len() = %d; want 1", got)
	}

	out.Gate <- struct{}{}
	out.Gate <- struct{}{}
	waitFor(t, time.Second, "drain", func() bool { return len(out.Completed()) == 2 })
	if got := int(out.Completed()[1].Timestamp); got != 1 {
		t.Errorf("second played frame = %d; want 1", got)
	}
}

func TestPlaybackQueue_Clear(t *testing.T) {
	t.Parallel()

	out := &mock.Output{Gate: make(chan struct{})}
	q := client.NewPlaybackQueue(out)
	runQueue(t, q)

	for i := range 4 {
		q.Enqueue(frame(i, 10))
	}
	waitFor(t, time.Second, "first frame", func() bool { return len(out.Events()) == 1 })
	q.Clear()
	if got := q.Len(); got != 0 {
		t.Fatalf("Len() after Clear = %d; want 0", got)
	}

	out.Gate <- struct{}{}
	waitFor(t, time.Second, "queue idle", func() bool { return !q.Playing() })
	if got := len(out.Completed()); got != 1 {
		t.Errorf("completed %d frames; want only the one in flight", got)
	}
}

func TestPlaybackQueue_DeviceErrorEndsRun(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	out := &mock.Output{PlayError: boom}
	q := client.NewPlaybackQueue(out)
	_, errCh := runQueue(t, q)

	q.Enqueue(frame(0, 10))
	select {
	case err := <-errCh:
		if !errors.Is(err, boom) {
			t.Errorf("Run() = %v; want %v", err, boom)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after device error")
	}
	if q.Enqueue(frame(1, 10)) {
		t.Error("Enqueue accepted after Run returned")
	}
}

func TestPlaybackQueue_CancelReturnsNil(t *testing.T) {
	t.Parallel()

	out := &mock.Output{Gate: make(chan struct{})}
	q := client.NewPlaybackQueue(out)
	cancel, errCh := runQueue(t, q)

	q.Enqueue(frame(0, 10))
	waitFor(t, time.Second, "first frame", func() bool { return len(out.Events()) == 1 })
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() = %v; want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// Command pttclient is a terminal push-to-talk client for the relay.
//
// It reads one command per line from stdin:
//
//	start   connect to the relay and open the microphone and speaker
//	stop    disconnect
//	t       engage talk (hold)
//	r       release talk
//	l       pointer left the talk control (same as release)
//	quit    disconnect and exit
//
// Assistant text is printed as it arrives and the glow meter is drawn on the
// status line while audio plays.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/MrWong99/livebridge/internal/client"
	"github.com/MrWong99/livebridge/pkg/audio"
	"github.com/MrWong99/livebridge/pkg/audio/portaudio"
)

const speakerBlockSize = 1024

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	relayURL := flag.String("relay", "ws://localhost:3000/", "relay WebSocket URL")
	backlog := flag.Int("max-backlog", 0, "maximum queued playback frames (0 = unbounded)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	lvl := slog.LevelWarn
	if *debug {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t := &terminal{
		con: &console{out: os.Stdout},
		cfg: client.Config{RelayURL: *relayURL, MaxBacklog: *backlog},
	}
	t.println("commands: start | stop | t (talk) | r (release) | l (leave) | quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		var done <-chan struct{}
		if t.sess != nil {
			done = t.sess.Done()
		}
		select {
		case <-ctx.Done():
			t.stop()
			return 0
		case <-done:
			t.ended()
		case line, ok := <-lines:
			if !ok {
				t.stop()
				return 0
			}
			cmd, err := parseCommand(line)
			if err != nil {
				t.println(err.Error())
				continue
			}
			if cmd == cmdQuit {
				t.stop()
				return 0
			}
			t.handle(ctx, cmd)
		}
	}
}

type command int

const (
	cmdNone command = iota
	cmdStart
	cmdStop
	cmdTalk
	cmdRelease
	cmdLeave
	cmdQuit
)

func parseCommand(line string) (command, error) {
	switch line {
	case "":
		return cmdNone, nil
	case "start":
		return cmdStart, nil
	case "stop":
		return cmdStop, nil
	case "t", "talk":
		return cmdTalk, nil
	case "r", "release":
		return cmdRelease, nil
	case "l", "leave":
		return cmdLeave, nil
	case "quit", "exit", "q":
		return cmdQuit, nil
	}
	return cmdNone, fmt.Errorf("unknown command %q", line)
}

// console serialises writes from the command loop, the transcript reader and
// the visualizer.
type console struct {
	mu   sync.Mutex
	out  io.Writer
	last string
}

func (c *console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = ""
	fmt.Fprintf(c.out, "\r\033[K%s\n", s)
}

// status redraws the status line when it changed.
func (c *console) status(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == c.last {
		return
	}
	c.last = s
	fmt.Fprintf(c.out, "\r\033[K%s", s)
}

// terminal owns the session for the command loop.
type terminal struct {
	con  *console
	cfg  client.Config
	sess *client.Session
}

func (t *terminal) handle(ctx context.Context, cmd command) {
	switch cmd {
	case cmdStart:
		t.start(ctx)
	case cmdStop:
		t.stop()
	case cmdTalk, cmdRelease, cmdLeave:
		if t.sess == nil {
			t.println("not connected; type start")
			return
		}
		switch cmd {
		case cmdTalk:
			t.sess.Engage()
		case cmdRelease:
			t.sess.Release()
		case cmdLeave:
			t.sess.Leave()
		}
	}
}

func (t *terminal) start(ctx context.Context) {
	if t.sess != nil {
		t.println("already connected")
		return
	}

	mic, err := portaudio.OpenMicrophone(audio.InputSampleRate, audio.CaptureFrameSize)
	if err != nil {
		t.println("microphone unavailable: " + err.Error())
		return
	}
	analyser := audio.NewAnalyser()
	speaker, err := portaudio.OpenSpeaker(audio.OutputSampleRate, speakerBlockSize, portaudio.WithTap(analyser.Write))
	if err != nil {
		_ = mic.Close()
		t.println("speaker unavailable: " + err.Error())
		return
	}

	sess, err := client.Start(ctx, t.cfg, mic, speaker,
		client.WithGlow(analyser, func(g client.Glow) { t.con.status(meterBar(g)) }),
		client.WithStateHandler(func(s client.State) { t.println("[" + s.String() + "]") }),
	)
	if err != nil {
		t.println("connect failed: " + err.Error())
		return
	}
	t.sess = sess
	t.println("connected to " + t.cfg.RelayURL)

	go func() {
		for text := range sess.Transcripts() {
			t.println("assistant: " + text)
		}
	}()
}

func (t *terminal) stop() {
	if t.sess == nil {
		return
	}
	if err := t.sess.Stop(); err != nil {
		slog.Debug("session stop", "err", err)
	}
	t.ended()
}

// ended reports a finished session and makes a new start possible.
func (t *terminal) ended() {
	if t.sess == nil {
		return
	}
	if err := t.sess.Err(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("session ended with error", "err", err)
	}
	st := t.sess.Stats()
	slog.Debug("capture stats", "captured", st.Captured, "sent", st.Sent, "discarded", st.Discarded, "dropped", st.Dropped)
	t.sess = nil
	t.println("Disconnected from server")
}

func (t *terminal) println(s string) { t.con.println(s) }

const meterWidth = 20

// meterBar maps a glow onto a fixed-width bar: resting size is empty, the
// largest size is full.
func meterBar(g client.Glow) string {
	rest, full := client.RestingGlow.Size, client.GlowFor(1).Size
	n := int((g.Size - rest) / (full - rest) * meterWidth)
	n = min(max(n, 0), meterWidth)
	bar := make([]byte, meterWidth+2)
	bar[0], bar[meterWidth+1] = '[', ']'
	for i := range meterWidth {
		if i < n {
			bar[i+1] = '#'
		} else {
			bar[i+1] = ' '
		}
	}
	return string(bar)
}

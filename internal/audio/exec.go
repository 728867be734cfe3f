package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-companion/internal/pcm"
	"github.com/loqalabs/loqa-companion/internal/stream"
	"github.com/mattn/go-shellwords"
)

const execReadBytes = 1920

// ExecEngine pipes raw PCM16 through external commands, for example arecord and aplay on a
// Linux wearable. The capture command writes interleaved samples to stdout; the playback
// command reads wire-format audio on stdin.
type ExecEngine struct {
	captureCmd  []string
	playbackCmd []string
	inputRate   int
	inputChans  int
	log         *slog.Logger

	gen atomic.Uint64

	mu       sync.Mutex
	running  bool
	tap      func(Buffer)
	capture  *exec.Cmd
	capDone  chan struct{}
	playback *exec.Cmd
	stdin    io.WriteCloser
	outQ     *stream.Queue[scheduled]
	outDone  chan struct{}
}

func NewExecEngine(captureCommand, playbackCommand string, inputRate, inputChannels int, logger *slog.Logger) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	captureArgs, err := parser.Parse(captureCommand)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(captureArgs) == 0 {
		return nil, fmt.Errorf("capture command empty")
	}
	playbackArgs, err := parser.Parse(playbackCommand)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(playbackArgs) == 0 {
		return nil, fmt.Errorf("playback command empty")
	}
	if inputRate <= 0 {
		inputRate = pcm.SampleRate
	}
	if inputChannels <= 0 {
		inputChannels = 1
	}
	return &ExecEngine{
		captureCmd:  captureArgs,
		playbackCmd: playbackArgs,
		inputRate:   inputRate,
		inputChans:  inputChannels,
		log:         logger.With(slog.String("component", "exec-audio")),
	}, nil
}

func (e *ExecEngine) ActivateSession() error   { return nil }
func (e *ExecEngine) DeactivateSession() error { return nil }

func (e *ExecEngine) InputFormat() pcm.Format {
	return pcm.Format{SampleRate: e.inputRate, Channels: e.inputChans, BitDepth: 16}
}

// Start launches the playback process. The capture process runs only while a tap is
// installed.
func (e *ExecEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	cmd := exec.Command(e.playbackCmd[0], e.playbackCmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start playback command: %w", err)
	}
	e.playback, e.stdin = cmd, stdin
	e.outQ = stream.NewQueue[scheduled]()
	e.outDone = make(chan struct{})
	go e.write(stdin, e.outQ, e.outDone)
	e.running = true

	if e.tap != nil {
		if err := e.startCaptureLocked(); err != nil {
			e.log.Warn("failed to start capture command", slogError(err))
		}
	}
	return nil
}

func (e *ExecEngine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	playback, stdin, outQ, outDone := e.playback, e.stdin, e.outQ, e.outDone
	e.playback, e.stdin, e.outQ = nil, nil, nil
	capture, capDone := e.stopCaptureLocked()
	e.mu.Unlock()

	e.gen.Add(1)
	outQ.Abandon()
	<-outDone
	_ = stdin.Close()
	waitErr := playback.Wait()
	if capture != nil {
		_ = capture.Process.Kill()
		<-capDone
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return waitErr
	}
	return nil
}

func (e *ExecEngine) InstallTap(fn func(Buffer)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tap = fn
	if e.running && e.capture == nil {
		return e.startCaptureLocked()
	}
	return nil
}

func (e *ExecEngine) RemoveTap() {
	e.mu.Lock()
	e.tap = nil
	capture, capDone := e.stopCaptureLocked()
	e.mu.Unlock()
	if capture != nil {
		_ = capture.Process.Kill()
		<-capDone
	}
}

func (e *ExecEngine) Schedule(chunk pcm.Chunk, done func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outQ == nil {
		return errEngineStopped
	}
	e.outQ.Push(scheduled{chunk: chunk, done: done, gen: e.gen.Load()})
	return nil
}

func (e *ExecEngine) HaltOutput() {
	e.gen.Add(1)
}

func (e *ExecEngine) startCaptureLocked() error {
	cmd := exec.Command(e.captureCmd[0], e.captureCmd[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start capture command: %w", err)
	}
	e.capture = cmd
	e.capDone = make(chan struct{})
	go e.read(cmd, stdout, e.tap, e.capDone)
	return nil
}

func (e *ExecEngine) stopCaptureLocked() (*exec.Cmd, chan struct{}) {
	capture, capDone := e.capture, e.capDone
	e.capture, e.capDone = nil, nil
	return capture, capDone
}

func (e *ExecEngine) read(cmd *exec.Cmd, stdout io.Reader, tap func(Buffer), done chan<- struct{}) {
	defer close(done)
	frame := 2 * e.inputChans
	buf := make([]byte, execReadBytes-execReadBytes%frame)
	for {
		n, err := io.ReadFull(stdout, buf)
		if n >= frame {
			tap(Buffer{Int16: pcm.PCM16ToInt16(buf[:n-n%frame])})
		}
		if err != nil {
			break
		}
	}
	_ = cmd.Wait()
}

// write paces chunks at real time so completions fire roughly when the audio has played.
func (e *ExecEngine) write(w io.Writer, q *stream.Queue[scheduled], done chan<- struct{}) {
	defer close(done)
	wire := pcm.Wire()
	var playhead time.Time
	for item := range q.C() {
		if item.gen != e.gen.Load() {
			continue
		}
		if _, err := w.Write(item.chunk); err != nil {
			e.log.Warn("playback command write failed", slogError(err))
			continue
		}
		now := time.Now()
		if playhead.Before(now) {
			playhead = now
		}
		playhead = playhead.Add(wire.Duration(len(item.chunk)))
		time.Sleep(time.Until(playhead))
		if item.gen == e.gen.Load() && item.done != nil {
			item.done()
		}
	}
}

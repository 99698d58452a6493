package transcode

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

var contextSignal os.Signal = os.Interrupt

// recordedArgs builds the exact argument vector spec §6 ("Transcoder
// argument vector (recorded)") specifies for a non-live episode.
func recordedArgs(inputURL string, segmentDuration time.Duration, outputDir string) []string {
	secs := int(segmentDuration.Seconds())
	if secs <= 0 {
		secs = 4
	}
	return []string{
		"-y",
		"-i", inputURL,
		"-c:v", "h264",
		"-preset", "veryfast",
		"-crf", "23",
		"-maxrate", "5000k",
		"-bufsize", "10000k",
		"-g", "48",
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-b:a", "192k",
		"-ac", "2",
		"-ar", "48000",
		"-f", "hls",
		"-hls_time", strconv.Itoa(secs),
		"-hls_list_size", "0",
		"-hls_flags", "append_list",
		"-hls_segment_filename", filepath.Join(outputDir, segmentFormat),
		filepath.Join(outputDir, playlistName),
	}
}

// liveArgs builds the argument vector spec §6 ("Transcoder argument
// vector (live)") specifies for the live-stream worker.
func liveArgs(inputURL string, segmentDuration time.Duration, outputDir string) []string {
	secs := int(segmentDuration.Seconds())
	if secs <= 0 {
		secs = 6
	}
	return []string{
		"-y",
		"-fflags", "discardcorrupt+genpts",
		"-err_detect", "ignore_err",
		"-analyzeduration", "3000000",
		"-probesize", "10000000",
		"-avoid_negative_ts", "make_zero",
		"-i", inputURL,
		"-c:v", "h264",
		"-preset", "veryfast",
		"-crf", "23",
		"-maxrate", "5000k",
		"-bufsize", "10000k",
		"-g", "48",
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-b:a", "192k",
		"-ac", "2",
		"-ar", "48000",
		"-f", "hls",
		"-hls_time", strconv.Itoa(secs),
		"-hls_list_size", "0",
		"-hls_flags", "append_list+omit_endlist+independent_segments",
		"-hls_segment_type", "mpegts",
		"-start_number", "0",
		"-muxdelay", "0",
		"-muxpreload", "0",
		"-hls_segment_filename", filepath.Join(outputDir, "segment-%d.ts"),
		filepath.Join(outputDir, playlistName),
	}
}

// process wraps a running ffmpeg child with the graceful-then-kill
// shutdown shape: signal, wait a bounded grace period, then force-kill.
// Grounded on the teacher's supervisor runInstanceOnce lifecycle.
type process struct {
	cmd      *exec.Cmd
	waitCh   chan error
	errTail  *ringBuffer
	grace    time.Duration
}

func spawn(ctx context.Context, args []string) (*process, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("transcode: stderr pipe: %w", err)
	}
	p := &process{cmd: cmd, waitCh: make(chan error, 1), errTail: newRingBuffer(20), grace: 5 * time.Second}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transcode: spawn ffmpeg: %w", err)
	}

	go copyStderr(stderr, p.errTail)
	go func() { p.waitCh <- cmd.Wait() }()

	go func() {
		<-ctx.Done()
		if cmd.Process == nil {
			return
		}
		cmd.Process.Signal(contextSignal)
		select {
		case <-p.waitCh:
		case <-time.After(p.grace):
			cmd.Process.Kill()
		}
	}()

	return p, nil
}

func (p *process) wait() error {
	return <-p.waitCh
}

func copyStderr(r io.Reader, tail *ringBuffer) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		tail.add(line)
		log.Printf("[transcode] ffmpeg: %s", line)
	}
}

// ringBuffer keeps the last n stderr lines for sidecar/status reporting.
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	n     int
}

func newRingBuffer(n int) *ringBuffer {
	return &ringBuffer{n: n}
}

func (r *ringBuffer) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.n {
		r.lines = r.lines[len(r.lines)-r.n:]
	}
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := ""
	for i, l := range r.lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

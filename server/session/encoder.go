package session

import (
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/centinelacam/centinela/pkg/log"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/h264reader"
)

// streamEncoder turns raw RGB frames into an H264 elementary stream for the
// WebRTC track. We keep one long-running ffmpeg process per session: frames
// go in on stdin as rawvideo, NAL units come out on stdout and are written
// to the track as samples.
type streamEncoder struct {
	log     log.Log
	width   int
	height  int
	fps     int
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex
	done    chan bool

	// The sample sink can be swapped when the client renegotiates
	sampleMu sync.Mutex
	onSample func(media.Sample)
}

func newStreamEncoder(logger log.Log, width, height, fps int, onSample func(media.Sample)) (*streamEncoder, error) {
	if width%2 != 0 {
		width--
	}
	if height%2 != 0 {
		height--
	}
	e := &streamEncoder{
		log:      log.NewPrefixLogger(logger, "Encoder"),
		width:    width,
		height:   height,
		fps:      fps,
		done:     make(chan bool),
		onSample: onSample,
	}
	if err := e.start(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *streamEncoder) start() error {
	size := strconv.Itoa(e.width) + "x" + strconv.Itoa(e.height)
	fps := strconv.Itoa(e.fps)
	cmd := exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", size,
		"-r", fps,
		"-i", "-",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-pix_fmt", "yuv420p",
		"-g", fps,
		"-b:v", "1M",
		"-f", "h264",
		"-",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	e.cmd = cmd
	e.stdin = stdin
	go e.readNALs(stdout)
	return nil
}

// readNALs parses the elementary stream and forwards each NAL unit as a
// sample. Runs until ffmpeg's stdout closes.
func (e *streamEncoder) readNALs(stdout io.Reader) {
	defer close(e.done)
	reader, err := h264reader.NewReader(stdout)
	if err != nil {
		e.log.Errorf("h264 reader init failed: %v", err)
		return
	}
	sampleDuration := time.Second / time.Duration(e.fps)
	for {
		nal, err := reader.NextNAL()
		if err == io.EOF {
			return
		}
		if err != nil {
			e.log.Errorf("h264 parse error: %v", err)
			return
		}
		e.sampleMu.Lock()
		sink := e.onSample
		e.sampleMu.Unlock()
		sink(media.Sample{
			Data:     nal.Data,
			Duration: sampleDuration,
		})
	}
}

func (e *streamEncoder) setSink(onSample func(media.Sample)) {
	e.sampleMu.Lock()
	e.onSample = onSample
	e.sampleMu.Unlock()
}

// WriteFrame feeds one RGB frame to the encoder. The image is resized if it
// doesn't match the encoder dimensions.
func (e *streamEncoder) WriteFrame(img *cimg.Image) error {
	if img.Width != e.width || img.Height != e.height {
		img = cimg.ResizeNew(img, e.width, e.height, nil)
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.stdin == nil {
		return fmt.Errorf("encoder closed")
	}
	if img.Stride == img.Width*3 {
		_, err := e.stdin.Write(img.Pixels)
		return err
	}
	for y := 0; y < img.Height; y++ {
		row := img.Pixels[y*img.Stride : y*img.Stride+img.Width*3]
		if _, err := e.stdin.Write(row); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts the encoder down, waiting briefly for ffmpeg to flush.
func (e *streamEncoder) Close() {
	e.writeMu.Lock()
	if e.stdin != nil {
		e.stdin.Close()
		e.stdin = nil
	}
	e.writeMu.Unlock()
	select {
	case <-e.done:
	case <-time.After(3 * time.Second):
		e.log.Warnf("ffmpeg did not exit in time, killing")
		e.cmd.Process.Kill()
	}
	e.cmd.Wait()
}

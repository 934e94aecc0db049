package restream

import (
	"fmt"
	"io"
	"os/exec"
)

// defaultFPS matches recorder.defaultFPS's rationale: the spec's
// config surface names no source frame rate, so the outbound encoder
// runs at a fixed nominal rate.
const defaultFPS = 25.0

// Encoder accepts raw BGR24 frames and forwards them to an outbound
// sink. Implemented by ffmpegEncoder; a narrow interface so Streamer's
// restart-on-death logic (spec §7 error 6) doesn't need to know
// anything about the transport.
type Encoder interface {
	Write(pix []byte) error
	Close() error
}

// ffmpegEncoder drives a long-lived ffmpeg subprocess that muxes raw
// frames on stdin into an RTMP push to target. Grounded on the same
// zsiec-prism/test/tools/gen-streams/encode.go argument-slice pattern
// as recorder.Writer, with an FLV/RTMP sink instead of an MP4 file.
type ffmpegEncoder struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func newFFmpegEncoder(target string, width, height int) (Encoder, error) {
	args := []string{
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", fmt.Sprintf("%.2f", defaultFPS),
		"-i", "-",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-f", "flv",
		target,
	}

	cmd := exec.Command("ffmpeg", args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("restream: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("restream: ffmpeg start: %w", err)
	}

	return &ffmpegEncoder{cmd: cmd, stdin: stdin}, nil
}

func (e *ffmpegEncoder) Write(pix []byte) error {
	_, err := e.stdin.Write(pix)
	return err
}

func (e *ffmpegEncoder) Close() error {
	_ = e.stdin.Close()
	return e.cmd.Wait()
}

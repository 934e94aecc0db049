// Package workspace creates the per-channel directory layout that the
// Recorder and box writer write into. Grounded
// on Python's DetectionController.create_workspace, which derives six
// fixed subdirectories from a single candidate_path and mkdir(parents=True,
// exist_ok=True)'s each of them.
package workspace

import (
	"os"
	"path/filepath"
)

// Subdirectory names, matching manager.py's block_path/result_path/
// crop_result_path/rect_stream_path/original_stream_path/test_path.
const (
	Blocks          = "blocks"
	Frames          = "frames"
	Crops           = "crops"
	RenderStreams   = "render-streams"
	OriginalStreams = "original-streams"
	Tests           = "tests"
)

var subdirs = []string{Blocks, Frames, Crops, RenderStreams, OriginalStreams, Tests}

// Layout creates root and every fixed subdirectory beneath it,
// tolerating any that already exist.
func Layout(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	for _, dir := range subdirs {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return err
		}
	}
	return nil
}

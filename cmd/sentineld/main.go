// Command sentineld is the process entrypoint: it loads a per-process
// fleet configuration, wires one controller.Controller per channel,
// and supervises them under a shared errgroup.Group, shutting down on
// SIGINT/SIGTERM. Grounded on zsiec-prism/cmd/prism/main.go's
// signal-handling and supervision shape.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/oceaneye/sentinel/classify"
	"github.com/oceaneye/sentinel/config"
	"github.com/oceaneye/sentinel/controller"
	"github.com/oceaneye/sentinel/emit"
	"github.com/oceaneye/sentinel/ingest"
	"github.com/oceaneye/sentinel/media"
	"golang.org/x/sync/errgroup"
)

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	fleetPath := envOr("SENTINEL_FLEET", "fleet.json")
	fleet, err := loadFleet(fleetPath)
	if err != nil {
		slog.Error("failed to load fleet config", "error", err, "path", fleetPath)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)

	for _, ch := range fleet {
		ch := ch
		g.Go(func() error {
			return runChannel(gctx, ch)
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("sentineld exiting with error", "error", err)
		os.Exit(1)
	}
}

// channelSpec is the on-disk shape of one channel's entry in the fleet
// config file: config.Config's recognised options plus the ingest
// source URI, which is not itself a recognised option (spec.md §6
// treats ingest as an external collaborator) but has to come from
// somewhere for sentineld to open a capture.
type channelSpec struct {
	config.Config
	Source string `json:"source"`
}

func loadFleet(path string) ([]channelSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fleet []channelSpec
	if err := json.Unmarshal(data, &fleet); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return fleet, nil
}

func runChannel(ctx context.Context, spec channelSpec) error {
	log := slog.Default().With("channel", spec.Index)

	frames, err := ingest.NewVideoCapture(ctx, spec.Source, log)
	if err != nil {
		return fmt.Errorf("channel %d: %w", spec.Index, err)
	}

	// classifier/SSD model inference and the outbound WebSocket
	// messaging transport are both named external collaborators
	// (spec.md §1): sentineld runs the pipeline's own mechanics
	// end-to-end with inert local defaults for them, and a deployment
	// replaces noopClassifier/noopSSD/logTransport with its real model
	// server and message bus by constructing controller.New directly
	// with its own classify.Classifier/classify.SSD/emit.Transport.
	ctrl := controller.New(spec.Config, frames, noopClassifier{}, noopSSD{}, logTransport{log: log}, log)

	log.Info("channel starting", "source", spec.Source, "mode", spec.DetectMode)
	return ctrl.Run(ctx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// noopClassifier never matches any target class. It is the default
// collaborator for ModeClassify channels until a real model-inference
// service is wired in (spec.md §1 non-goal).
type noopClassifier struct{}

func (noopClassifier) Classify(ctx context.Context, crop *media.Frame) (int, float32, error) {
	return -1, 0, nil
}

// noopSSD returns no detections. Default collaborator for ModeSSD
// channels until a real detector service is wired in.
type noopSSD struct{}

func (noopSSD) Detect(ctx context.Context, frame *media.Frame) ([]classify.ScoredRect, error) {
	return nil, nil
}

// logTransport logs each message instead of sending it over a real
// WebSocket connection (spec.md §1 non-goal), so the pipeline is
// observable end-to-end without a live downstream consumer.
type logTransport struct {
	log *slog.Logger
}

func (t logTransport) Send(ctx context.Context, msg media.Message) error {
	t.log.Info("detection message", "type", msg.Type, "dol_id", msg.DolID, "timestamp", msg.Timestamp, "rects", len(msg.Rects))
	return nil
}

var _ emit.Transport = logTransport{}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/dcamera/internal/codec"
	"firestige.xyz/dcamera/internal/config"
	"firestige.xyz/dcamera/internal/core"
	"firestige.xyz/dcamera/internal/log"
	"firestige.xyz/dcamera/internal/metrics"
	"firestige.xyz/dcamera/internal/pipeline"
	"firestige.xyz/dcamera/internal/process"
	"firestige.xyz/dcamera/internal/source"
)

var (
	inputFile    string
	drainTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Loop frames through a sink and back through a source",
	Long: `Encode raw frames with a sink pipeline, feed the encoded stream into a source
pipeline and check the decoded frames.

Frames come from a moving test pattern unless --input names a file of tightly
packed raw frames in the configured loopback format. Pattern frames are verified
bit for bit. Stops after loopback.frames frames or on SIGINT/SIGTERM.

Examples:
  dcamera run                              # 90 NV12 640x480 frames through H.264
  dcamera run -c dcamera.yml               # loopback settings from config
  dcamera run -i capture.nv12 -d 5s        # frames from file, 5s drain timeout`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configFile)
		if err != nil {
			exitWithError("failed to load config", err)
		}
		closeLog, err := log.Init(cfg.Log, os.Stderr)
		if err != nil {
			exitWithError("failed to init logging", err)
		}
		defer closeLog()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.Metrics.Enabled {
			srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
			if err := srv.Start(ctx); err != nil {
				exitWithError("failed to start metrics server", err)
			}
			defer srv.Stop(context.Background())
		}

		if _, err := runLoopback(ctx, cfg, inputFile, drainTimeout, os.Stdout); err != nil {
			slog.Error("loopback failed", "error", err)
			closeLog()
			os.Exit(1)
		}
	},
}

func init() {
	runCmd.Flags().StringVarP(&inputFile, "input", "i", "", "raw frame file (test pattern when empty)")
	runCmd.Flags().DurationVarP(&drainTimeout, "drain-timeout", "d", 2*time.Second,
		"how long to wait for in-flight frames after the last input")
}

// loopbackReport summarizes one run.
type loopbackReport struct {
	Sent       int
	Dropped    int
	Received   int
	Matched    int
	Mismatched int
	Errors     []core.DataProcessErrorType
	Sink       pipeline.Stats
	Source     pipeline.Stats
}

// loopback wires a sink's encoded output into a source and checks what comes out.
type loopback struct {
	source *pipeline.Source
	check  func(*core.DataBuffer) (int, bool)

	mu       sync.Mutex
	report   loopbackReport
	expected int
	arrived  chan struct{}
}

// sinkRelay is the sink's listener: encoded units go straight into the source.
type sinkRelay struct{ lb *loopback }

func (r sinkRelay) OnProcessedVideoBuffer(buf *core.DataBuffer) {
	if err := r.lb.source.ProcessData([]*core.DataBuffer{buf}); err != nil {
		slog.Warn("source rejected encoded unit", "error", err)
	}
}

func (r sinkRelay) OnError(kind core.DataProcessErrorType, message string) {
	r.lb.recordError(kind, message)
}

// frameChecker is the source's listener.
type frameChecker struct{ lb *loopback }

func (c frameChecker) OnProcessedVideoBuffer(buf *core.DataBuffer) {
	c.lb.recordFrame(buf)
}

func (c frameChecker) OnError(kind core.DataProcessErrorType, message string) {
	c.lb.recordError(kind, message)
}

func (lb *loopback) recordFrame(buf *core.DataBuffer) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.report.Received++
	if lb.check != nil {
		if seq, ok := lb.check(buf); ok {
			lb.report.Matched++
		} else {
			lb.report.Mismatched++
			slog.Warn("decoded frame does not match pattern", "seq", seq, "size", buf.Size())
		}
	}
	lb.signalLocked()
}

func (lb *loopback) recordError(kind core.DataProcessErrorType, message string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.report.Errors = append(lb.report.Errors, kind)
	slog.Error("pipeline reported error", "kind", kind, "message", message)
}

// expect sets how many decoded frames the run waits for.
func (lb *loopback) expect(n int) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.expected = n
	lb.signalLocked()
}

func (lb *loopback) signalLocked() {
	if lb.expected >= 0 && lb.report.Received >= lb.expected {
		select {
		case <-lb.arrived:
		default:
			close(lb.arrived)
		}
	}
}

func nodeOptions(cfg *config.GlobalConfig) process.Options {
	compression, _ := codec.ParseCompression(cfg.Codec.Compression)
	soft := codec.SoftOptions{
		InputSlots:      cfg.Codec.InputSlots,
		OutputSlots:     cfg.Codec.OutputSlots,
		StrideAlignment: cfg.Codec.StrideAlignment,
		Compression:     compression,
	}
	return process.Options{
		DecoderFactory:      codec.NewSoftDecoderFactory(soft),
		EncoderFactory:      codec.NewSoftEncoderFactory(soft),
		QueueMax:            cfg.Decoder.QueueMax,
		FirstFrameInputNum:  cfg.Decoder.FirstFrameInputNum,
		FirstFrameOutputNum: cfg.Encoder.FirstFrameOutputNum,
		RetryBackoff:        cfg.Decoder.RetryBackoffDuration(),
		MetadataTTL:         cfg.Decoder.MetadataTTLDuration(),
		StrideAlignment:     cfg.Codec.StrideAlignment,
		Compression:         cfg.Codec.Compression,
		IFrameIntervalMs:    cfg.Encoder.IFrameIntervalMs,
		BitrateMode:         cfg.Encoder.BitrateMode,
	}
}

// runLoopback pushes frames through sink and source and writes a summary to out.
func runLoopback(ctx context.Context, cfg *config.GlobalConfig, input string, drain time.Duration, out io.Writer) (loopbackReport, error) {
	raw := cfg.Loopback.RawParams()
	stream := cfg.Loopback.StreamParams()

	var frames source.Source
	lb := &loopback{expected: -1, arrived: make(chan struct{})}
	if input == "" {
		pattern, err := source.NewPatternSource(raw, cfg.Loopback.Frames)
		if err != nil {
			return loopbackReport{}, err
		}
		frames = pattern
		lb.check = pattern.Check
	} else {
		file, err := source.NewFileSource(input, raw)
		if err != nil {
			return loopbackReport{}, err
		}
		frames = file
	}
	defer frames.Close()

	builder := pipeline.NewBuilder().
		WithNodeOptions(nodeOptions(cfg)).
		WithEventBus(cfg.EventBus.Partitions, cfg.EventBus.QueueSize)

	lb.source = builder.WithName("loopback-source").BuildSource()
	if err := lb.source.CreateDataProcessPipeline(pipeline.PipelineVideo, stream, stream.WithCodecType(core.CodecNone),
		frameChecker{lb}); err != nil {
		return loopbackReport{}, fmt.Errorf("create source pipeline: %w", err)
	}
	defer lb.source.DestroyDataProcessPipeline()

	sink := builder.WithName("loopback-sink").BuildSink()
	if err := sink.CreateDataProcessPipeline(pipeline.PipelineVideo, raw, stream, sinkRelay{lb}); err != nil {
		return loopbackReport{}, fmt.Errorf("create sink pipeline: %w", err)
	}
	defer sink.DestroyDataProcessPipeline()

	slog.Info("loopback started", "raw", raw, "stream", stream, "frames", cfg.Loopback.Frames, "input", input)
	dropped := 0
	sent, err := source.Pump(ctx, frames, raw.FrameRate(), func(buf *core.DataBuffer) error {
		err := sink.ProcessData([]*core.DataBuffer{buf})
		if errors.Is(err, core.ErrIndexOverflow) {
			dropped++
			return nil
		}
		return err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return loopbackReport{}, fmt.Errorf("feed sink: %w", err)
	}

	lb.expect(sent - dropped)
	select {
	case <-lb.arrived:
	case <-time.After(drain):
		slog.Warn("drain timeout, frames still in flight", "timeout", drain)
	}

	lb.mu.Lock()
	report := lb.report
	report.Errors = append([]core.DataProcessErrorType(nil), lb.report.Errors...)
	lb.mu.Unlock()
	report.Sent = sent
	report.Dropped = dropped
	report.Sink = sink.Stats()
	report.Source = lb.source.Stats()

	fmt.Fprintf(out, "sent %d, dropped %d, received %d, matched %d, mismatched %d, errors %d\n",
		report.Sent, report.Dropped, report.Received, report.Matched, report.Mismatched, len(report.Errors))
	fmt.Fprintf(out, "sink   %+v\n", report.Sink)
	fmt.Fprintf(out, "source %+v\n", report.Source)

	switch {
	case len(report.Errors) > 0:
		return report, fmt.Errorf("pipelines reported %d error(s), first %s", len(report.Errors), report.Errors[0])
	case report.Mismatched > 0:
		return report, fmt.Errorf("%d decoded frame(s) differ from the input", report.Mismatched)
	case report.Received < sent-dropped:
		return report, fmt.Errorf("only %d of %d frames came back", report.Received, sent-dropped)
	}
	return report, nil
}

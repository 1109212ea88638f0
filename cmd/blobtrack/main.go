// Command blobtrack tracks 2D object centroids across frames.
//
// Frames come from a detector (a JSON-lines file, a serial port, UDP
// datagrams, a pcap capture, or the built-in synthetic scene). Every
// measurement is tagged with a track; the annotated run can be written to a
// PNG plot, an HTML chart, a sqlite database, and streamed to gRPC
// subscribers, while the monitor serves live status over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/banshee-data/blobtrack/internal/config"
	"github.com/banshee-data/blobtrack/internal/monitor"
	"github.com/banshee-data/blobtrack/internal/monitoring"
	"github.com/banshee-data/blobtrack/internal/pipeline"
	"github.com/banshee-data/blobtrack/internal/render"
	"github.com/banshee-data/blobtrack/internal/source"
	"github.com/banshee-data/blobtrack/internal/storage/sqlite"
	"github.com/banshee-data/blobtrack/internal/stream"
	"github.com/banshee-data/blobtrack/internal/tracking"
	"github.com/banshee-data/blobtrack/internal/version"
)

var (
	configFile    = flag.String("config", "", "Tuning config file (.json, .yaml or .yml); defaults are built in")
	sourceKind    = flag.String("source", "synthetic", "Frame source: file, serial, udp, pcap or synthetic")
	input         = flag.String("input", "", "Input for the source: file path, serial device, UDP listen address or pcap path")
	baud          = flag.Int("baud", 115200, "Serial baud rate")
	udpPort       = flag.Int("port", 0, "UDP destination port to replay from a pcap (0 = any)")
	speed         = flag.Float64("speed", 0, "PCAP replay speed multiplier (1 = real time, 0 = as fast as possible)")
	synthFrames   = flag.Int("synthetic-frames", 300, "Frames generated by the synthetic source (0 = unbounded)")
	synthObjects  = flag.Int("synthetic-objects", 4, "Objects in the synthetic scene")
	synthSeed     = flag.Int64("synthetic-seed", 1, "Seed for the synthetic scene")
	dbFile        = flag.String("db", "", "Record the run to this sqlite database")
	plotFile      = flag.String("plot", "", "Write a trajectory plot (.png, .svg or .pdf) when the run ends")
	htmlFile      = flag.String("html", "", "Write an HTML trajectory chart when the run ends")
	grpcListen    = flag.String("grpc-listen", "", "Stream frames to gRPC subscribers on this address")
	monitorListen = flag.String("monitor-listen", "", "Serve the HTTP monitor on this address")
	logLevel      = flag.String("log-level", "diag", "Log level: off, ops, diag or trace")
	maxFrames     = flag.Int("max-frames", 0, "Stop after this many frames (0 = until end of input)")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

// options is the parsed command line.
type options struct {
	ConfigFile    string
	Source        string
	Input         string
	Baud          int
	UDPPort       int
	Speed         float64
	Synthetic     source.SyntheticConfig
	DBFile        string
	PlotFile      string
	HTMLFile      string
	GRPCListen    string
	MonitorListen string
	MaxFrames     int
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	writers, err := monitoring.WritersForLevel(*logLevel, os.Stderr)
	if err != nil {
		log.Fatal(err)
	}
	monitoring.SetLogWriters(writers)

	synth := source.DefaultSyntheticConfig()
	synth.Frames = *synthFrames
	synth.Objects = *synthObjects
	synth.Seed = *synthSeed

	opts := options{
		ConfigFile:    *configFile,
		Source:        *sourceKind,
		Input:         *input,
		Baud:          *baud,
		UDPPort:       *udpPort,
		Speed:         *speed,
		Synthetic:     synth,
		DBFile:        *dbFile,
		PlotFile:      *plotFile,
		HTMLFile:      *htmlFile,
		GRPCListen:    *grpcListen,
		MonitorListen: *monitorListen,
		MaxFrames:     *maxFrames,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := run(ctx, opts); err != nil {
		log.Fatalf("blobtrack: %v", err)
	}
}

// openDetector builds the frame source. defaults fills stream geometry the
// source does not announce.
func openDetector(opts options, defaults source.StreamInfo) (source.Detector, string, error) {
	switch opts.Source {
	case "synthetic":
		cfg := opts.Synthetic
		cfg.Width, cfg.Height, cfg.FPS = defaults.Width, defaults.Height, defaults.FPS
		return source.NewSynthetic(cfg), fmt.Sprintf("synthetic:seed=%d", cfg.Seed), nil
	case "file":
		if opts.Input == "" {
			return nil, "", errors.New("-input is required for the file source")
		}
		d, err := source.OpenFile(opts.Input, defaults)
		return d, "file:" + opts.Input, err
	case "serial":
		if opts.Input == "" {
			return nil, "", errors.New("-input is required for the serial source")
		}
		d, err := source.OpenSerial(opts.Input, opts.Baud, defaults)
		return d, "serial:" + opts.Input, err
	case "udp":
		addr := opts.Input
		if addr == "" {
			addr = ":7100"
		}
		d, err := source.ListenUDP(addr, defaults)
		return d, "udp:" + addr, err
	case "pcap":
		if opts.Input == "" {
			return nil, "", errors.New("-input is required for the pcap source")
		}
		d, err := source.OpenPCAP(opts.Input, opts.UDPPort, defaults)
		if err != nil {
			return nil, "", err
		}
		d.SpeedMultiplier = opts.Speed
		return d, "pcap:" + opts.Input, nil
	}
	return nil, "", fmt.Errorf("unknown source %q (want file, serial, udp, pcap or synthetic)", opts.Source)
}

// run wires the detector, tracker and sinks and processes frames until the
// input ends, a stage fails, or ctx is cancelled.
func run(ctx context.Context, opts options) (sum pipeline.Summary, err error) {
	tuning := config.EmptyTuningConfig()
	if opts.ConfigFile != "" {
		if tuning, err = config.LoadTuningConfig(opts.ConfigFile); err != nil {
			return sum, err
		}
	}
	defaults := source.StreamInfo{
		Width:  tuning.GetFrameWidth(),
		Height: tuning.GetFrameHeight(),
		FPS:    tuning.GetFPS(),
	}

	det, desc, err := openDetector(opts, defaults)
	if err != nil {
		return sum, err
	}
	defer det.Close()

	info := det.Info()
	cfg := tracking.ConfigFromTuning(tuning, info.Width, info.Height, info.FPS)
	if err := cfg.Validate(); err != nil {
		return sum, fmt.Errorf("tracker config: %w", err)
	}
	tracker := tracking.NewTracker(cfg)
	monitoring.Diagf("source %s: %dx%d @ %.2f fps, gate %.2f px", desc, info.Width, info.Height, info.FPS, cfg.GatingThreshold)

	var store *sqlite.Store
	if opts.DBFile != "" {
		if store, err = sqlite.Open(opts.DBFile); err != nil {
			return sum, err
		}
		defer store.Close()
	}

	var sinks []pipeline.Sink
	// Sinks are closed in reverse order once the run ends.
	defer func() {
		for i := len(sinks) - 1; i >= 0; i-- {
			if cerr := sinks[i].Close(); cerr != nil {
				monitoring.Opsf("close %T: %v", sinks[i], cerr)
				if err == nil {
					err = cerr
				}
			}
		}
	}()

	var runSink *sqlite.RunSink
	if store != nil {
		runSink, err = sqlite.NewRunSink(ctx, store, sqlite.RunOptions{Source: desc, Info: info, Config: cfg})
		if err != nil {
			return sum, err
		}
		sinks = append(sinks, runSink)
	}
	if opts.PlotFile != "" {
		sinks = append(sinks, render.NewPlotSink(opts.PlotFile, info))
	}
	var chart *render.ChartSink
	if opts.HTMLFile != "" || opts.MonitorListen != "" {
		chart = render.NewChartSink(opts.HTMLFile, info)
		sinks = append(sinks, chart)
	}
	var pub *stream.Publisher
	if opts.GRPCListen != "" {
		pub = stream.NewPublisher(stream.Config{ListenAddr: opts.GRPCListen})
		if err := pub.Start(); err != nil {
			return sum, err
		}
		sinks = append(sinks, pub)
	}

	var wg sync.WaitGroup
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer func() {
		stopMonitor()
		wg.Wait()
	}()
	if opts.MonitorListen != "" {
		wcfg := monitor.WebServerConfig{
			Address: opts.MonitorListen,
			Source:  desc,
			Tracks:  tracker,
			Chart:   chart,
			Store:   store,
		}
		if pub != nil {
			wcfg.Stream = pub
		}
		ws, err := monitor.NewWebServer(wcfg)
		if err != nil {
			return sum, err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ws.Start(monitorCtx); err != nil {
				monitoring.Opsf("monitor: %v", err)
			}
		}()
	}

	runner := &pipeline.Runner{
		Detector:  det,
		Tracker:   tracker,
		Sinks:     sinks,
		MaxFrames: opts.MaxFrames,
	}
	sum, err = runner.Run(ctx)
	if errors.Is(err, context.Canceled) {
		// Live sources only end on a signal.
		monitoring.Opsf("run interrupted after %d frames", sum.Frames)
		err = nil
	}
	if err != nil && runSink != nil {
		runSink.MarkFailed(err.Error())
	}
	monitoring.Diagf("run finished: frames=%d empty=%d measurements=%d created=%d pruned=%d in %s",
		sum.Frames, sum.EmptyFrames, sum.Measurements, sum.TracksCreated, sum.TracksPruned, sum.Elapsed)
	return sum, err
}

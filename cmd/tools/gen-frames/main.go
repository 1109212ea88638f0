// Command gen-frames writes a synthetic scene in the blobtrack frame wire
// format, either as JSON lines or as UDP datagrams.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/blobtrack/internal/source"
)

func main() {
	output := flag.String("o", "-", "output path (- for stdout)")
	udpAddr := flag.String("udp", "", "send datagrams to this address instead of writing a file")
	frames := flag.Int("n", 300, "number of frames")
	objects := flag.Int("objects", 4, "number of moving objects")
	width := flag.Int("width", 1280, "frame width")
	height := flag.Int("height", 720, "frame height")
	fps := flag.Float64("fps", 30, "frame rate")
	speed := flag.Float64("speed", 4, "object speed in pixels per frame")
	noise := flag.Float64("noise", 0.5, "measurement noise std dev in pixels")
	drop := flag.Float64("drop", 0, "probability that a detection is missing")
	seed := flag.Int64("seed", 1, "random seed")
	realtime := flag.Bool("realtime", true, "pace UDP output at the frame rate")
	flag.Parse()

	cfg := source.SyntheticConfig{
		Width:    *width,
		Height:   *height,
		FPS:      *fps,
		Objects:  *objects,
		Frames:   *frames,
		SpeedPx:  *speed,
		NoiseStd: *noise,
		DropRate: *drop,
		Seed:     *seed,
		Start:    time.Now(),
	}
	src := source.NewSynthetic(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *udpAddr != "" {
		conn, err := net.Dial("udp", *udpAddr)
		if err != nil {
			log.Fatalf("failed to dial %s: %v", *udpAddr, err)
		}
		defer conn.Close()
		var interval time.Duration
		if *realtime && *fps > 0 {
			interval = time.Duration(float64(time.Second) / *fps)
		}
		n, err := sendDatagrams(ctx, conn, src, interval)
		if err != nil {
			log.Fatalf("send frames: %v", err)
		}
		log.Printf("sent %d frames to %s", n, *udpAddr)
		return
	}

	var w io.Writer = os.Stdout
	if *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			log.Fatalf("failed to create %s: %v", *output, err)
		}
		defer f.Close()
		w = f
	}
	n, err := writeLines(ctx, w, src)
	if err != nil {
		log.Fatalf("write frames: %v", err)
	}
	if *output != "-" {
		log.Printf("wrote %d frames to %s", n, *output)
	}
}

// writeLines writes the stream header followed by every frame of src.
func writeLines(ctx context.Context, w io.Writer, src source.Detector) (int, error) {
	if err := source.EncodeStreamInfo(w, src.Info()); err != nil {
		return 0, err
	}
	n := 0
	for {
		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := source.EncodeFrame(w, f); err != nil {
			return n, err
		}
		n++
	}
}

// sendDatagrams sends the stream header and then one datagram per frame,
// waiting interval between frames.
func sendDatagrams(ctx context.Context, conn net.Conn, src source.Detector, interval time.Duration) (int, error) {
	var header bytes.Buffer
	if err := source.EncodeStreamInfo(&header, src.Info()); err != nil {
		return 0, err
	}
	if _, err := conn.Write(header.Bytes()); err != nil {
		return 0, fmt.Errorf("send header: %w", err)
	}

	var ticker *time.Ticker
	if interval > 0 {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}
	n := 0
	for {
		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		data, err := source.MarshalFrame(f)
		if err != nil {
			return n, err
		}
		if _, err := conn.Write(data); err != nil {
			return n, fmt.Errorf("send frame %d: %w", f.Index, err)
		}
		n++
		if ticker != nil {
			select {
			case <-ctx.Done():
				return n, ctx.Err()
			case <-ticker.C:
			}
		}
	}
}

// rtpc-agent runs one seat. It finds the coordinator (from config or
// over mDNS), keeps its assets in a local cache and plays its parts
// through a MIDI output port.
//
// Usage:
//
//	rtpc-agent --seat 4 [--config rtpc.yaml] [--server ws://host:8081/ws] [--cache assets.db] [--midi-port NAME]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/dalder6284/rtpc-app/internal/assetcache"
	"github.com/dalder6284/rtpc-app/internal/clock"
	"github.com/dalder6284/rtpc-app/internal/clocksync"
	"github.com/dalder6284/rtpc-app/internal/config"
	"github.com/dalder6284/rtpc-app/internal/device"
	"github.com/dalder6284/rtpc-app/internal/discovery"
	"github.com/dalder6284/rtpc-app/internal/protocol"
	"github.com/dalder6284/rtpc-app/internal/seat"
	"github.com/dalder6284/rtpc-app/internal/transfer"
)

const browseTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rtpc-agent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, server, cachePath, midiPort string
	var seatNum int
	pflag.StringVar(&configPath, "config", "", "YAML config file (default $RTPC_CONFIG)")
	pflag.StringVar(&server, "server", "", "coordinator websocket URL, overrides agent.server")
	pflag.IntVar(&seatNum, "seat", -1, "seat to join, overrides agent.seat")
	pflag.StringVar(&cachePath, "cache", "", "asset cache file, overrides agent.cache")
	pflag.StringVar(&midiPort, "midi-port", "", "MIDI output port name or substring, overrides agent.midi_port")
	pflag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	a := &cfg.Agent
	if server != "" {
		a.Server = server
	}
	if seatNum >= 0 {
		a.Seat = seatNum
	}
	if cachePath != "" {
		a.Cache = cachePath
	}
	if midiPort != "" {
		a.MIDIPort = midiPort
	}
	if a.Seat < 0 {
		return errors.New("no seat given: use --seat or agent.seat")
	}

	logger, err := config.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache, err := assetcache.Open(a.Cache)
	if err != nil {
		return err
	}
	defer cache.Close()

	dev, closeDevice, err := openDevice(ctx, a.MIDIPort, logger)
	if err != nil {
		return err
	}
	defer closeDevice()

	// Both were checked by config.Validate.
	enc, _ := transfer.ParseEncoding(a.Encoding)
	policy, _ := clocksync.ParseOffsetPolicy(a.Sync.OffsetPolicy)

	s := seat.New(seat.Options{
		Seat:           protocol.Seat(a.Seat),
		Cache:          cache,
		Device:         dev,
		Logger:         logger,
		SyncThreshold:  a.Sync.Threshold.D(),
		SyncInterval:   a.Sync.Interval.D(),
		SyncJitter:     a.Sync.Jitter.D(),
		MaxProbes:      a.Sync.MaxProbes,
		OffsetPolicy:   policy,
		Tick:           a.Scheduler.Tick.D(),
		LookaheadBeats: a.Scheduler.LookaheadBeats,
		Encoding:       enc,
		MaxRetries:     a.MaxRetries,
		Heartbeat:      a.Heartbeat.D(),
	})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.Reconnect.Initial.D()
	b.MaxInterval = a.Reconnect.Max.D()
	b.MaxElapsedTime = 0

	err = backoff.RetryNotify(func() error {
		url, err := coordinatorURL(ctx, a.Server, logger)
		if err != nil {
			return err
		}
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return fmt.Errorf("dialing %s: %w", url, err)
		}
		logger.Info("connected to coordinator", "url", url)
		start := time.Now()
		err = s.Run(ctx, ws)
		switch {
		case errors.Is(err, seat.ErrSeatTaken):
			return backoff.Permanent(err)
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		}
		if time.Since(start) > b.MaxInterval {
			b.Reset()
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Warn("connection lost, retrying", "error", err, "in", wait)
	})
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}

func coordinatorURL(ctx context.Context, configured string, logger *slog.Logger) (string, error) {
	if configured != "" {
		return configured, nil
	}
	ctx, cancel := context.WithTimeout(ctx, browseTimeout)
	defer cancel()
	logger.Info("browsing for a coordinator", "service", discovery.Service)
	return discovery.Browse(ctx, logger)
}

// openDevice opens the MIDI output whose name contains port, or the
// first output when port is empty. With no output available the seat
// only logs its notes.
func openDevice(ctx context.Context, port string, logger *slog.Logger) (device.Device, func(), error) {
	drv, err := rtmididrv.New()
	if err != nil {
		logger.Warn("no MIDI driver, notes will only be logged", "error", err)
		return device.Log{Logger: logger}, func() {}, nil
	}
	outs, err := drv.Outs()
	if err != nil {
		drv.Close()
		return nil, nil, fmt.Errorf("listing MIDI outputs: %w", err)
	}
	var out drivers.Out
	for _, o := range outs {
		if port == "" || strings.Contains(o.String(), port) {
			out = o
			break
		}
	}
	if out == nil {
		drv.Close()
		if port != "" {
			return nil, nil, fmt.Errorf("MIDI output %q not found", port)
		}
		logger.Warn("no MIDI outputs, notes will only be logged")
		return device.Log{Logger: logger}, func() {}, nil
	}
	send, err := midi.SendTo(out)
	if err != nil {
		drv.Close()
		return nil, nil, fmt.Errorf("opening MIDI output %q: %w", out.String(), err)
	}
	logger.Info("MIDI output opened", "port", out.String())

	m := device.NewMIDI(send, clock.Real(), logger)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	return m, func() {
		cancel()
		<-done
		out.Close()
		drv.Close()
	}, nil
}

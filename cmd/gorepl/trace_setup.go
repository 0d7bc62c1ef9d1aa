package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gorepl/internal/config"
	"gorepl/internal/trace"
)

// setupTracing initializes the tracer from the trace flags, falling back to
// the [trace] section of the config for flags left unset.
// It returns a cleanup function and an error if initialization fails.
func setupTracing(cmd *cobra.Command, fromFile config.Trace) (func(), error) {
	flags := cmd.Root().PersistentFlags()
	str := func(name, fallback string) (string, error) {
		v, err := flags.GetString(name)
		if err != nil {
			return "", fmt.Errorf("failed to get %s flag: %w", name, err)
		}
		if !flags.Changed(name) {
			return fallback, nil
		}
		return v, nil
	}

	traceOutput, err := str("trace", fromFile.File)
	if err != nil {
		return nil, err
	}
	levelStr, err := str("trace-level", fromFile.Level)
	if err != nil {
		return nil, err
	}
	modeStr, err := str("trace-mode", fromFile.Mode)
	if err != nil {
		return nil, err
	}
	formatStr, err := str("trace-format", fromFile.Format)
	if err != nil {
		return nil, err
	}
	ringSize, err := flags.GetInt("trace-ring-size")
	if err != nil {
		return nil, fmt.Errorf("failed to get trace-ring-size flag: %w", err)
	}
	heartbeatInterval, err := flags.GetDuration("trace-heartbeat")
	if err != nil {
		return nil, fmt.Errorf("failed to get trace-heartbeat flag: %w", err)
	}

	if levelStr == "" {
		levelStr = "off"
	}
	// an output file alone turns tracing on at phase level
	if levelStr == "off" && traceOutput != "" && !flags.Changed("trace-level") {
		levelStr = "phase"
	}
	level, err := trace.ParseLevel(levelStr)
	if err != nil {
		return nil, fmt.Errorf("invalid trace level: %w", err)
	}
	if level == trace.LevelOff {
		cmd.SetContext(trace.WithTracer(cmd.Context(), trace.Nop))
		return func() {}, nil
	}

	if modeStr == "" {
		modeStr = "stream"
	}
	mode, err := trace.ParseMode(modeStr)
	if err != nil {
		return nil, fmt.Errorf("invalid trace mode: %w", err)
	}
	if formatStr == "" {
		formatStr = "auto"
	}
	format, err := trace.ParseFormat(formatStr)
	if err != nil {
		return nil, fmt.Errorf("invalid trace format: %w", err)
	}
	if traceOutput == "" {
		traceOutput = "-"
	}

	tracer, err := trace.New(trace.Config{
		Level:      level,
		Mode:       mode,
		Format:     format,
		OutputPath: traceOutput,
		RingSize:   ringSize,
		Heartbeat:  heartbeatInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	ctx := trace.WithTracer(cmd.Context(), tracer)
	cmd.SetContext(ctx)
	cmd.Root().SetContext(ctx)

	return func() {
		// a ring alone keeps the last events in memory until exit
		if ring := trace.FindRing(tracer); ring != nil && mode == trace.ModeRing {
			if err := dumpRing(ring, traceOutput, format); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "trace: dump error: %v\n", err)
			}
		}
		if err := tracer.Flush(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: flush error: %v\n", err)
		}
		if err := tracer.Close(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: close error: %v\n", err)
		}
	}, nil
}

func dumpRing(ring *trace.RingTracer, path string, format trace.Format) error {
	if format == trace.FormatAuto {
		format = trace.FormatForPath(path)
	}
	if path == "-" {
		return ring.Dump(os.Stderr, format)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := ring.Dump(f, format); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Command client streams audio to a voice relay and plays back the replies.
//
// Usage:
//
//	client --input question.wav --output reply.wav
//	arecord -f S16_LE -r 16000 -c 1 | client --input - --realtime
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lexiqai/voice-relay/internal/audio"
	"github.com/lexiqai/voice-relay/internal/capture"
	"github.com/lexiqai/voice-relay/internal/client"
	"github.com/lexiqai/voice-relay/internal/config"
	"github.com/lexiqai/voice-relay/internal/observability"
	"github.com/lexiqai/voice-relay/internal/playback"
	"github.com/spf13/cobra"
)

var (
	relayURL  string
	inputPath string
	inputRate int
	output    string
	realtime  bool
	linger    time.Duration
	threshold float64
	logLevel  string
	logPretty bool
)

var rootCmd = &cobra.Command{
	Use:   "client",
	Short: "Talk to a voice relay",
	Long: `Streams microphone-style audio to a voice relay and plays the
synthesized replies back gaplessly.

Input is either a WAV file or raw little-endian PCM16 mono ('-' reads
stdin). Without --input the client only listens. Replies are rendered
on the wall clock and written to --output as a 24 kHz WAV file.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&relayURL, "url", config.GetEnv("RELAY_URL", "ws://localhost:8080/ws"), "relay websocket URL (env RELAY_URL)")
	rootCmd.Flags().StringVarP(&inputPath, "input", "i", "", "WAV file or raw PCM16 mono, '-' for stdin")
	rootCmd.Flags().IntVar(&inputRate, "input-rate", audio.CaptureSampleRate, "sample rate of raw PCM input")
	rootCmd.Flags().StringVarP(&output, "output", "o", "", "write played audio to this WAV file")
	rootCmd.Flags().BoolVar(&realtime, "realtime", true, "pace input like a live microphone")
	rootCmd.Flags().DurationVar(&linger, "linger", 5*time.Second, "keep listening this long after input ends")
	rootCmd.Flags().Float64Var(&threshold, "speech-threshold", audio.DefaultVADConfig().EnergyThreshold, "RMS level logged as speech start")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.Flags().BoolVar(&logPretty, "log-pretty", true, "human readable logs")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	observability.InitLoggerTo(os.Stderr, logLevel, logPretty)
	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var device *capture.ReaderDevice
	if inputPath != "" {
		r, rate, err := openInput(inputPath, inputRate)
		if err != nil {
			return err
		}
		if c, ok := r.(io.Closer); ok {
			defer c.Close()
		}
		device = capture.NewReaderDevice(r, rate, realtime)
	}

	rec := playback.NewRecording()
	scheduler, err := playback.NewScheduler(playback.WAVOutputFactory(rec), logger)
	if err != nil {
		return err
	}
	defer scheduler.Close()
	player := playback.NewPlayer(scheduler, logger)

	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	vad := audio.DefaultVADConfig()
	vad.EnergyThreshold = threshold
	c, err := client.Dial(dialCtx, relayURL, player, logger,
		client.WithCaptureOptions(capture.WithSpeechHandler(vad, func(speaking bool) {
			if speaking {
				logger.Info().Msg("Speech started")
			} else {
				logger.Info().Msg("Speech ended")
			}
		})),
	)
	cancelDial()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var runErr error
	if device != nil {
		// Stop after the input is exhausted and the replies had time to arrive
		go func() {
			select {
			case <-device.Done():
			case <-runCtx.Done():
				return
			}
			if err := device.Err(); err != nil {
				logger.Error().Err(err).Msg("Input read failed")
			}
			logger.Info().Dur("linger", linger).Msg("Input finished")
			select {
			case <-time.After(linger):
				cancel()
			case <-runCtx.Done():
			}
		}()
		runErr = c.Run(runCtx, device)
	} else {
		runErr = c.Run(runCtx, nil)
	}

	played, failed := player.Stats()
	logger.Info().Int64("played", played).Int64("failed", failed).Msg("Session finished")

	if output != "" {
		if err := scheduler.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close playback")
		}
		if err := rec.WriteFile(output); err != nil {
			return err
		}
		logger.Info().Str("path", output).Dur("duration", rec.Duration()).Msg("Wrote reply audio")
	}

	return runErr
}

// openInput returns a PCM16 reader and its sample rate. WAV files are
// unpacked; anything else is taken as raw PCM at rawRate.
func openInput(path string, rawRate int) (io.Reader, int, error) {
	if path == "-" {
		return os.Stdin, rawRate, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read input: %w", err)
	}

	if !audio.IsWAV(data) {
		return bytes.NewReader(data), rawRate, nil
	}

	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return bytes.NewReader(audio.Int16ToBytes(samples)), rate, nil
}

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/voicemode/voicemode/audio"
	"github.com/voicemode/voicemode/channel"
	"github.com/voicemode/voicemode/config"
	"github.com/voicemode/voicemode/server"
	"github.com/voicemode/voicemode/store"
	"github.com/voicemode/voicemode/voice"
)

func main() {
	// Optional .env for local overrides; absence is fine.
	godotenv.Load()

	configPath := flag.String("config", "", "Path to YAML config file")
	chatID := flag.String("chat", "", "Chat ID for the voice session")
	serveMode := flag.Bool("serve", false, "Run the development voice server instead of the client")
	serveAddr := flag.String("addr", ":8000", "Listen address in serve mode")
	playFile := flag.String("play", "", "Play an audio file or URL and exit")
	listDevices := flag.Bool("list-devices", false, "List available audio input devices")
	verbose := flag.Bool("verbose", false, "Force debug logging")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("Failed to load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if token := os.Getenv("VOICEMODE_TOKEN"); token != "" {
		cfg.Server.Token = token
	}

	setupLogging(cfg.Logging.Level, *verbose)

	if *listDevices {
		devices, err := audio.ListInputDevices()
		if err != nil {
			slog.Error("Failed to list audio devices", "error", err)
			os.Exit(1)
		}
		fmt.Println("Available audio input devices:")
		for i, device := range devices {
			fmt.Printf("[%d] %s\n", i, device.Name)
			fmt.Printf("    Max Input Channels: %d\n", device.MaxInputChannels)
			fmt.Printf("    Default Sample Rate: %f\n", device.DefaultSampleRate)
			fmt.Println()
		}
		return
	}

	if *playFile != "" {
		if err := playOnce(*playFile); err != nil {
			slog.Error("Failed to play audio", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Debug("Received shutdown signal")
		cancel()
	}()

	if *serveMode {
		serverConfig := server.DefaultConfig()
		serverConfig.Addr = *serveAddr
		serverConfig.SampleRate = cfg.Audio.SampleRate
		serverConfig.Channels = cfg.Audio.Channels
		if cfg.Recordings.Enabled {
			serverConfig.RecordingsDir = cfg.Recordings.Dir
		}
		if err := server.New(serverConfig).Start(ctx); err != nil {
			slog.Error("Voice server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if *chatID == "" {
		slog.Error("A chat ID is required in client mode")
		flag.Usage()
		os.Exit(1)
	}

	if err := runClient(ctx, cfg, *chatID); err != nil {
		slog.Error("Voice client failed", "error", err)
		os.Exit(1)
	}
	slog.Debug("Program exiting")
}

func setupLogging(level string, verbose bool) {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

// playOnce plays a single file or URL to completion and exits.
func playOnce(uri string) error {
	player := audio.NewPlayer()
	defer player.Close()

	done := make(chan struct{})
	player.OnComplete(func() { close(done) })
	if err := player.Play(uri); err != nil {
		return err
	}
	<-done
	return nil
}

// runClient wires the channel, capture, playback and session controller, then
// drives the session from stdin: enter toggles recording, "play" replays the
// latest assistant reply, "quit" exits.
func runClient(ctx context.Context, cfg *config.Config, chatID string) error {
	channelConfig := channel.Config{
		MaxAttempts:    cfg.Channel.MaxAttempts,
		InitialBackoff: cfg.Channel.InitialBackoff(),
		MaxBackoff:     cfg.Channel.MaxBackoff(),
		Header:         cfg.Header(),
	}
	ch := channel.New(cfg.VoiceURL(chatID), channelConfig)

	mic := audio.NewMicSource(cfg.Audio.SampleRate, cfg.Audio.Channels, cfg.Audio.FramesPerBuffer)
	player := audio.NewPlayer()

	var recordings *store.Recordings
	if cfg.Recordings.Enabled {
		recordings = store.New(cfg.Recordings.Dir, cfg.Audio.SampleRate, cfg.Audio.Channels)
		go func() {
			if err := recordings.Watch(ctx); err != nil {
				slog.Error("Recordings watcher failed", "error", err)
			}
		}()
	}

	ctrl := voice.New(voice.Options{
		Channel:    ch,
		Capture:    mic,
		Player:     player,
		Recordings: recordings,
	})
	defer ctrl.Close()

	ctrl.OnUpdate(newTranscriptPrinter(ctrl))
	ctrl.Connect()

	lines := readLines(ctx, os.Stdin)

	fmt.Printf("Voice session for chat %s. Enter toggles recording, \"play\" replays the last reply, \"quit\" exits.\n", chatID)
	for {
		select {
		case <-ctx.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "", "r":
				if err := ctrl.ToggleRecording(); err != nil {
					slog.Error("Failed to toggle recording", "error", err)
				} else if ctrl.Recording() {
					fmt.Println("Recording... press enter to stop.")
				} else {
					fmt.Println("Stopped recording.")
				}

			case "play":
				playLastReply(ctrl)

			case "stop":
				ctrl.StopPlayback()

			case "quit", "q":
				return nil

			default:
				fmt.Println("Commands: enter (toggle recording), play, stop, quit")
			}
		}
	}
}

// readLines streams input lines until EOF or cancellation, so the reader
// goroutine never outlives the session it feeds.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// playLastReply replays the most recent assistant entry that carries audio.
func playLastReply(ctrl *voice.Controller) {
	transcript := ctrl.Transcript()
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == voice.RoleAssistant && transcript[i].AudioURL != "" {
			ctrl.Play(transcript[i].ID)
			return
		}
	}
	fmt.Println("No assistant reply to play yet.")
}

// newTranscriptPrinter prints each transcript entry once it is final, and
// surfaces session errors as they appear.
func newTranscriptPrinter(ctrl *voice.Controller) func() {
	var mu sync.Mutex
	printed := make(map[string]bool)
	lastErr := ""

	return func() {
		mu.Lock()
		defer mu.Unlock()

		for _, entry := range ctrl.Transcript() {
			if !entry.Final || printed[entry.ID] {
				continue
			}
			printed[entry.ID] = true
			fmt.Printf("[%s] %s\n", entry.Role, entry.Text)
		}

		if err := ctrl.Err(); err != lastErr {
			if err != "" {
				fmt.Printf("[error] %s\n", err)
			}
			lastErr = err
		}
	}
}

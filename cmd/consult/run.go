package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/healthsync/healthsync/internal/audio"
	"github.com/healthsync/healthsync/internal/channel"
	"github.com/healthsync/healthsync/internal/client"
	"github.com/healthsync/healthsync/internal/media"
	"github.com/healthsync/healthsync/internal/models"
	"github.com/healthsync/healthsync/internal/session"
)

type consultOptions struct {
	server string
	name   string
	role   string
	key    string
	camera string
	mic    string
}

// apiProvisioner adapts the HTTP client to the session controller.
type apiProvisioner struct {
	api *client.Client
}

func (p *apiProvisioner) ProvisionRoom(ctx context.Context, roomKey string) (string, error) {
	return p.api.ProvisionRoom(ctx, roomKey)
}

func runConsult(ctx context.Context, opts consultOptions) error {
	logger := newLogger()

	api := client.New(opts.server)
	if err := api.Login(ctx, opts.name, opts.role); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	key := opts.key
	if opts.role == "clinician" {
		created, err := api.CreateConsultation(ctx)
		if err != nil {
			return fmt.Errorf("create consultation: %w", err)
		}
		key = created
		fmt.Printf("Consultation created. Share this key with the patient: %s\n", key)
	} else {
		if _, err := api.JoinConsultation(ctx, key); err != nil {
			return fmt.Errorf("join consultation: %w", err)
		}
		fmt.Printf("Joined consultation %s\n", key)
	}

	chat := channel.NewChat(key, opts.name, logger)
	if err := chat.Connect(ctx, api.ChatURL(key)); err != nil {
		logger.Warn("chat relay unavailable", "error", err)
	}

	transcription := channel.NewTranscription(
		api.TranscribeURL(key),
		func() (audio.Source, error) { return audio.NewMicSource(opts.mic) },
		logger,
	)

	done := make(chan struct{})
	ctrl := session.New(session.Config{
		RoomKey:     key,
		DisplayName: opts.name,
		Provisioner: &apiProvisioner{api: api},
		Adapter:     media.NewRoomAdapter(logger),
		Devices: media.FFmpegDevices{
			CameraInput: opts.camera,
			MicInput:    opts.mic,
		},
		Chat:          chat,
		Transcription: transcription,
		Logger:        logger,
		OnEnded: func(elapsedSeconds int) {
			postCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := api.SaveSummary(postCtx, key, elapsedSeconds, false); err != nil {
				logger.Warn("post summary failed", "error", err)
			}
			fmt.Printf("\nConsultation ended after %s.\n", formatDuration(elapsedSeconds))
			close(done)
		},
	})

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		ctrl.End()
	}()

	go printUpdates(ctrl, done)
	go readCommands(ctx, ctrl)

	<-done
	return nil
}

// printUpdates polls the controller and renders state changes: mode
// transitions, chat, transcript lines and emergency alerts.
func printUpdates(ctrl *session.Controller, done <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var (
		lastMode       models.SessionMode
		seenMessages   int
		seenTranscript int
		lastAlert      string
	)

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		if mode := ctrl.Mode(); mode != lastMode {
			lastMode = mode
			switch mode {
			case models.ModeConnecting:
				fmt.Println("[session] connecting...")
			case models.ModeLiveRemote:
				fmt.Println("[session] live")
			case models.ModeLocalFallback:
				fmt.Println("[session] remote room unavailable, running with local camera only")
			}
		}

		messages := ctrl.Messages()
		for _, msg := range messages[seenMessages:] {
			fmt.Printf("[chat] %s: %s\n", msg.Sender, msg.Text)
		}
		seenMessages = len(messages)

		transcript := ctrl.Transcript()
		for _, entry := range transcript[seenTranscript:] {
			fmt.Printf("[transcript] %s: %s\n", entry.Speaker, entry.Text)
		}
		seenTranscript = len(transcript)

		if alert := ctrl.Alert(); alert != nil && alert.Message != lastAlert {
			lastAlert = alert.Message
			fmt.Printf("\n*** %s (keywords: %s) ***\n\n", alert.Message, strings.Join(alert.DetectedKeywords, ", "))
		}
	}
}

func readCommands(ctx context.Context, ctrl *session.Controller) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/mute":
			ctrl.ToggleMute()
			fmt.Printf("[session] muted: %v\n", ctrl.IsMuted())
		case "/video":
			ctrl.ToggleVideo()
			fmt.Printf("[session] video off: %v\n", ctrl.IsVideoOff())
		case "/transcribe":
			if ctrl.Transcribing() {
				ctrl.StopTranscription()
				fmt.Println("[session] transcription stopped")
			} else if err := ctrl.StartTranscription(ctx); err != nil {
				fmt.Printf("[session] transcription unavailable: %v\n", err)
			} else {
				fmt.Println("[session] transcription started")
			}
		case "/end":
			ctrl.End()
			return
		default:
			ctrl.SendChatMessage(line)
		}
	}
}

func formatDuration(seconds int) string {
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if os.Getenv("CONSULT_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

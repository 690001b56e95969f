// Package session drives one visit to the consultation screen: it owns
// the call state machine, reacts to adapter and channel events, and
// performs best-effort cleanup on exit.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/healthsync/healthsync/internal/channel"
	"github.com/healthsync/healthsync/internal/emergency"
	"github.com/healthsync/healthsync/internal/media"
	"github.com/healthsync/healthsync/internal/models"
)

// Provisioner asks the room service for a joinable room URL. An empty
// URL with a nil error means "no usable room" and is treated the same
// as an error: the session falls back to the local camera.
type Provisioner interface {
	ProvisionRoom(ctx context.Context, roomKey string) (string, error)
}

// ChatChannel is the slice of the chat relay the controller needs.
type ChatChannel interface {
	Events() <-chan channel.ChatEvent
	Send(text string) (models.ChatMessage, error)
	SendTyping()
	SendStoppedTyping()
	Close() error
}

// TranscriptionChannel is the slice of the transcription relay the
// controller needs.
type TranscriptionChannel interface {
	Results() <-chan channel.Result
	Start(ctx context.Context) error
	Stop()
}

// Config wires a controller. Adapter, Chat and Transcription are
// optional; a nil collaborator simply disables that surface.
type Config struct {
	RoomKey     string
	DisplayName string

	Provisioner   Provisioner
	Adapter       media.Adapter
	Devices       media.Devices
	Chat          ChatChannel
	Transcription TranscriptionChannel

	// OnEnded receives the elapsed seconds once, after cleanup, so the
	// caller can post the call summary and navigate away.
	OnEnded func(elapsedSeconds int)

	Logger *slog.Logger

	// test hooks
	nowFn func() time.Time
	tick  <-chan time.Time
}

// Controller is the single writer of the session state. All mutations
// happen either in the event loop or under the mutex.
type Controller struct {
	cfg      Config
	logger   *slog.Logger
	adapter  media.Adapter
	fallback *media.FallbackCapture

	mu             sync.Mutex
	mode           models.SessionMode
	startedAt      time.Time
	elapsed        int
	isMuted        bool
	isVideoOff     bool
	quality        models.NetworkQuality
	showConnecting bool
	transcribing   bool
	alert          *models.EmergencyAlert
	interim        string
	messages       []models.ChatMessage
	seen           map[string]struct{}
	transcript     []models.TranscriptEntry
	typingPeers    map[string]struct{}
	started        bool
	ticking        bool

	done    chan struct{}
	endOnce sync.Once
}

func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.nowFn == nil {
		cfg.nowFn = time.Now
	}
	return &Controller{
		cfg:         cfg,
		logger:      cfg.Logger,
		adapter:     cfg.Adapter,
		fallback:    media.NewFallbackCapture(cfg.Devices, cfg.Logger),
		mode:        models.ModeProvisioning,
		quality:     models.QualityGood,
		seen:        make(map[string]struct{}),
		typingPeers: make(map[string]struct{}),
		done:        make(chan struct{}),
	}
}

// Start provisions the room and connects. Exactly one provisioning
// attempt is made per controller; a failed room never bounces back to
// connecting.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("session already started")
	}
	c.started = true
	c.mu.Unlock()

	go c.loop()

	if c.cfg.Provisioner == nil {
		c.logger.Warn("no room provisioner configured, entering demo mode")
		c.enterFallback()
		return nil
	}

	roomURL, err := c.cfg.Provisioner.ProvisionRoom(ctx, c.cfg.RoomKey)
	if err != nil || roomURL == "" {
		if err != nil {
			c.logger.Warn("room provisioning failed, entering demo mode", "error", err)
		} else {
			c.logger.Warn("room service returned no room, entering demo mode")
		}
		c.enterFallback()
		return nil
	}

	c.mu.Lock()
	if c.mode != models.ModeProvisioning {
		// Ended while provisioning was in flight.
		c.mu.Unlock()
		return nil
	}
	c.mode = models.ModeConnecting
	c.showConnecting = true
	c.mu.Unlock()

	if c.adapter == nil {
		c.logger.Warn("no media adapter configured, entering demo mode")
		c.enterFallback()
		return nil
	}
	if err := c.adapter.Join(ctx, roomURL, c.cfg.DisplayName); err != nil {
		// The adapter also emits an error event; entering fallback here
		// keeps the session moving even if that event is lost.
		c.enterFallback()
	}
	return nil
}

// loop is the session's cooperative scheduler: the only consumer of the
// adapter, chat and transcription streams.
func (c *Controller) loop() {
	var adapterEvents <-chan media.Event
	if c.adapter != nil {
		adapterEvents = c.adapter.Events()
	}
	var chatEvents <-chan channel.ChatEvent
	if c.cfg.Chat != nil {
		chatEvents = c.cfg.Chat.Events()
	}
	var results <-chan channel.Result
	if c.cfg.Transcription != nil {
		results = c.cfg.Transcription.Results()
	}

	for {
		select {
		case ev, ok := <-adapterEvents:
			if !ok {
				adapterEvents = nil
				continue
			}
			c.handleAdapterEvent(ev)
		case ev, ok := <-chatEvents:
			if !ok {
				chatEvents = nil
				continue
			}
			c.handleChatEvent(ev)
		case res := <-results:
			c.handleResult(res)
		case <-c.done:
			return
		}
	}
}

func (c *Controller) handleAdapterEvent(ev media.Event) {
	switch ev.Type {
	case media.EventLoading, media.EventLoaded:
		// The embedded room UI has started rendering; drop the spinner
		// without waiting for the full join.
		c.mu.Lock()
		c.showConnecting = false
		c.mu.Unlock()

	case media.EventJoined:
		c.mu.Lock()
		if c.mode != models.ModeConnecting {
			// No automatic re-promotion out of fallback.
			c.mu.Unlock()
			return
		}
		c.mode = models.ModeLiveRemote
		c.showConnecting = false
		if c.startedAt.IsZero() {
			c.startedAt = c.cfg.nowFn()
		}
		setActive(c.cfg.RoomKey)
		c.mu.Unlock()
		c.startTicker()
		c.logger.Info("joined room", "room_key", c.cfg.RoomKey)

	case media.EventLeft:
		c.End()

	case media.EventError:
		c.logger.Warn("room adapter error", "error", ev.Err)
		c.enterFallback()

	case media.EventNetworkQuality:
		c.mu.Lock()
		c.quality = ev.Quality
		c.mu.Unlock()

	case media.EventParticipantUpdated:
		// The adapter's report is authoritative for local media state.
		c.mu.Lock()
		c.isMuted = !ev.AudioOn
		c.isVideoOff = !ev.VideoOn
		c.mu.Unlock()

	case media.EventAppMessage:
		c.appendChat(ev.Message)
	}
}

func (c *Controller) handleChatEvent(ev channel.ChatEvent) {
	switch ev.Kind {
	case channel.ChatEventMessage:
		c.appendChat(ev.Message)
	case channel.ChatEventTyping:
		c.mu.Lock()
		c.typingPeers[ev.Sender] = struct{}{}
		c.mu.Unlock()
	case channel.ChatEventStoppedTyping:
		c.mu.Lock()
		delete(c.typingPeers, ev.Sender)
		c.mu.Unlock()
	}
}

func (c *Controller) handleResult(res channel.Result) {
	if !res.IsFinal {
		c.mu.Lock()
		c.interim = res.Text
		c.mu.Unlock()
		return
	}
	if res.Text == "" {
		return
	}

	speaker := res.Speaker
	if speaker == "" {
		speaker = "Speaker"
	}
	entry := models.TranscriptEntry{
		Speaker: speaker,
		Text:    res.Text,
		Time:    c.cfg.nowFn().Format("15:04:05"),
	}

	alert := emergency.Detect(res.Text)

	c.mu.Lock()
	c.transcript = append(c.transcript, entry)
	c.interim = ""
	if alert.IsEmergency {
		c.alert = &alert
	}
	c.mu.Unlock()

	if alert.IsEmergency {
		c.logger.Warn("emergency keywords detected",
			"severity", alert.Severity, "keywords", alert.DetectedKeywords)
	}
}

// enterFallback switches to the degraded local-camera mode. A session
// already connected to fallback, or ended, stays put.
func (c *Controller) enterFallback() {
	c.mu.Lock()
	if c.mode == models.ModeEnded || c.mode == models.ModeLocalFallback {
		c.mu.Unlock()
		return
	}
	fromLive := c.mode == models.ModeLiveRemote
	c.mode = models.ModeLocalFallback
	c.showConnecting = false
	if c.startedAt.IsZero() {
		c.startedAt = c.cfg.nowFn()
	}
	muted, videoOff := c.isMuted, c.isVideoOff
	c.mu.Unlock()

	if fromLive && c.adapter != nil {
		// The adapter must not keep the devices while fallback holds them.
		func() {
			defer func() { _ = recover() }()
			c.adapter.Destroy()
		}()
	}

	// End may have finished while the adapter was being torn down;
	// devices grabbed now would outlive its cleanup.
	c.mu.Lock()
	if c.mode == models.ModeEnded {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.fallback.Acquire()
	c.fallback.SetAudio(!muted)
	c.fallback.SetVideo(!videoOff)

	// End sets Ended under the mutex before any cleanup step, so a
	// marker set here is always cleared by a later End. If End already
	// started, release what was just acquired.
	c.mu.Lock()
	if c.mode == models.ModeEnded {
		c.mu.Unlock()
		c.fallback.StopAll()
		return
	}
	setActive(c.cfg.RoomKey)
	c.mu.Unlock()
	c.startTicker()
	c.logger.Info("session running in demo mode", "room_key", c.cfg.RoomKey)
}

func (c *Controller) startTicker() {
	c.mu.Lock()
	if c.ticking {
		c.mu.Unlock()
		return
	}
	c.ticking = true
	c.mu.Unlock()

	go func() {
		tickc := c.cfg.tick
		if tickc == nil {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			tickc = ticker.C
		}
		for {
			select {
			case <-tickc:
				c.mu.Lock()
				if c.mode == models.ModeEnded {
					c.mu.Unlock()
					return
				}
				c.elapsed++
				c.mu.Unlock()
			case <-c.done:
				return
			}
		}
	}()
}

// ToggleMute flips the intended mute state. Live sessions delegate to
// the adapter; fallback sessions act on the local tracks.
func (c *Controller) ToggleMute() {
	c.mu.Lock()
	c.isMuted = !c.isMuted
	muted := c.isMuted
	mode := c.mode
	c.mu.Unlock()

	switch mode {
	case models.ModeLiveRemote:
		if c.adapter != nil {
			c.adapter.SetLocalAudio(!muted)
		}
	case models.ModeLocalFallback:
		c.fallback.SetAudio(!muted)
	}
}

// ToggleVideo flips the intended camera state, reacquiring the camera
// in fallback mode when the previous capture was stopped.
func (c *Controller) ToggleVideo() {
	c.mu.Lock()
	c.isVideoOff = !c.isVideoOff
	videoOff := c.isVideoOff
	mode := c.mode
	c.mu.Unlock()

	switch mode {
	case models.ModeLiveRemote:
		if c.adapter != nil {
			c.adapter.SetLocalVideo(!videoOff)
		}
	case models.ModeLocalFallback:
		c.fallback.SetVideo(!videoOff)
	}
}

// SendChatMessage publishes on the chat relay and mirrors over the room
// side-channel when live. Receipt dedup by message ID keeps the
// timeline free of duplicates.
func (c *Controller) SendChatMessage(text string) {
	if c.cfg.Chat == nil || text == "" {
		return
	}
	msg, err := c.cfg.Chat.Send(text)
	if err != nil {
		c.logger.Warn("chat send failed", "error", err)
		return
	}
	c.appendChat(msg)

	c.mu.Lock()
	live := c.mode == models.ModeLiveRemote
	c.mu.Unlock()
	if live && c.adapter != nil {
		c.adapter.SendAppMessage(msg)
	}
}

// StartTranscription opens the transcription stream; restarting after a
// stop performs a fresh handshake and capture.
func (c *Controller) StartTranscription(ctx context.Context) error {
	if c.cfg.Transcription == nil {
		return errors.New("transcription not configured")
	}
	if err := c.cfg.Transcription.Start(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.transcribing = true
	c.mu.Unlock()
	return nil
}

func (c *Controller) StopTranscription() {
	if c.cfg.Transcription == nil {
		return
	}
	c.cfg.Transcription.Stop()
	c.mu.Lock()
	c.transcribing = false
	c.interim = ""
	c.mu.Unlock()
}

// End is the single cancellation point. Every cleanup step runs even if
// an earlier one fails; calling End again is a no-op.
func (c *Controller) End() {
	c.endOnce.Do(func() {
		c.mu.Lock()
		c.mode = models.ModeEnded
		c.showConnecting = false
		elapsed := c.elapsed
		c.mu.Unlock()

		close(c.done)

		if c.adapter != nil {
			c.safeStep("adapter leave", func() { _ = c.adapter.Leave() })
			c.safeStep("adapter destroy", c.adapter.Destroy)
		}
		c.safeStep("stop local tracks", c.fallback.StopAll)
		if c.cfg.Chat != nil {
			c.safeStep("close chat", func() { _ = c.cfg.Chat.Close() })
		}
		if c.cfg.Transcription != nil {
			c.safeStep("stop transcription", c.cfg.Transcription.Stop)
		}
		clearActive(c.cfg.RoomKey)

		if c.cfg.OnEnded != nil {
			c.safeStep("post-call summary", func() { c.cfg.OnEnded(elapsed) })
		}
		c.logger.Info("session ended", "room_key", c.cfg.RoomKey, "elapsed_seconds", elapsed)
	})
}

// Close makes the controller safe to use with defer on unmount.
func (c *Controller) Close() error {
	c.End()
	return nil
}

func (c *Controller) safeStep(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("cleanup step failed", "step", name, "panic", r)
		}
	}()
	fn()
}

// --- read-only accessors for the UI layer ---

func (c *Controller) Mode() models.SessionMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Controller) Elapsed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

func (c *Controller) IsMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isMuted
}

func (c *Controller) IsVideoOff() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isVideoOff
}

func (c *Controller) NetworkQuality() models.NetworkQuality {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

func (c *Controller) ShowConnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.showConnecting
}

func (c *Controller) Transcribing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcribing
}

func (c *Controller) InterimText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interim
}

func (c *Controller) Messages() []models.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.ChatMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Controller) Transcript() []models.TranscriptEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.TranscriptEntry, len(c.transcript))
	copy(out, c.transcript)
	return out
}

func (c *Controller) TypingPeers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.typingPeers))
	for peer := range c.typingPeers {
		out = append(out, peer)
	}
	return out
}

// Alert returns the most recent emergency alert, or nil.
func (c *Controller) Alert() *models.EmergencyAlert {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alert == nil {
		return nil
	}
	alert := *c.alert
	return &alert
}

func (c *Controller) DismissAlert() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alert = nil
}

// appendChat appends in arrival order, dropping messages whose ID was
// already seen (the same message can arrive over both the chat relay
// and the room side-channel).
func (c *Controller) appendChat(msg models.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.ID != "" {
		if _, dup := c.seen[msg.ID]; dup {
			return
		}
		c.seen[msg.ID] = struct{}{}
	}
	c.messages = append(c.messages, msg)
}

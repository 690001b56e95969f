package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/healthsync/healthsync/internal/config"
	"github.com/healthsync/healthsync/internal/notify"
	"github.com/healthsync/healthsync/internal/recognizer"
	"github.com/healthsync/healthsync/internal/store"
	"github.com/healthsync/healthsync/internal/turn"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 5 * time.Second
)

type Handlers struct {
	cfg        *config.Config
	consults   *store.ConsultStore
	records    *store.Records
	roomHub    *Hub
	chatHub    *Hub
	recognizer recognizer.Recognizer
	notifier   *notify.Notifier
	turnServer *turn.Server
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	nowFn      func() time.Time
}

func New(cfg *config.Config, records *store.Records, rec recognizer.Recognizer, notifier *notify.Notifier, turnServer *turn.Server, logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg:        cfg,
		consults:   store.NewConsultStore(),
		records:    records,
		roomHub:    NewHub(),
		chatHub:    NewHub(),
		recognizer: rec,
		notifier:   notifier,
		turnServer: turnServer,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		nowFn: time.Now,
	}
}

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/attachment"
	"github.com/chatsync/internal/chat"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/handler"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/realtime"
	"github.com/chatsync/internal/startup"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/memory"
	"github.com/chatsync/internal/ws"
)

func main() {
	logger.SetPrefix("chatd")
	conversation := flag.String("open", "", "conversation to open on start")
	flag.Parse()

	logger.Info("starting chat gateway")
	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	var previews storage.PreviewStore = memory.New()
	if cfg.RedisURL != "" {
		rc, err := startup.ConnectRedisWithRetry(rootCtx, cfg.RedisURL, 20*time.Second)
		if err != nil {
			logger.Errorf("redis unavailable, previews kept in memory: %v", err)
		} else {
			previews = rc
			logger.Info("previews stored in redis")
		}
	}
	defer previews.Close()

	client := api.NewClient(cfg.APIBaseURL, cfg.AuthToken)

	var transport realtime.Transport
	if cfg.Realtime.WSURL != "" {
		transport = realtime.NewWSTransport(cfg.Realtime.WSURL, cfg.AuthToken, realtime.WSOptions{
			WriteTimeout:   cfg.Realtime.WSWriteTimeout,
			PongTimeout:    cfg.Realtime.WSPongTimeout,
			MaxMessageSize: cfg.Realtime.WSMaxMessage,
		})
	} else {
		logger.Info("WS_URL not set, realtime runs on polling only")
	}
	manager := realtime.NewManager(transport, realtime.NewHistoryPoller(client, cfg.PageSize), realtime.Options{
		PollInterval:    cfg.Realtime.PollInterval,
		PushRetryMin:    cfg.Realtime.PushRetryMin,
		PushRetryMax:    cfg.Realtime.PushRetryMax,
		TypingPerSecond: cfg.Realtime.TypingPerSecond,
	})
	if err := manager.Start(rootCtx); err != nil {
		logger.Errorf("realtime start: %v", err)
		os.Exit(1)
	}

	engine := chat.NewEngine(client, manager, chat.Options{
		UserID:          cfg.UserID,
		PageSize:        cfg.PageSize,
		TypingSilence:   cfg.Typing.Silence,
		TypingIdle:      cfg.Typing.Idle,
		ScrollThreshold: cfg.ScrollThreshold,
	})

	hubCtx, hubCancel := context.WithCancel(rootCtx)
	hub := ws.NewHub(engine, 0)
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()
	unsubFeed := engine.Subscribe(hub.Broadcast)

	if *conversation != "" {
		openCtx, cancel := context.WithTimeout(rootCtx, 15*time.Second)
		if _, err := engine.Open(openCtx, *conversation); err != nil {
			logger.Errorf("open %s: %v", *conversation, err)
		}
		cancel()
	}

	h := handler.Handlers{
		Conversation: handler.NewConversationHandler(engine,
			attachment.NewPreparer(previews, cfg.MaxUploadSize, cfg.PreviewTTL, "/api/previews"), cfg.MaxUploadSize),
		Preview: handler.NewPreviewHandler(previews),
		Status:  handler.NewStatusHandler(engine),
		Config:  handler.NewConfigHandler(cfg),
		WS:      handler.NewWSHandler(hub, cfg.CORSAllowedOrigins),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.LocalOnly)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: originList(cfg.CORSAllowedOrigins),
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitAPI)
		h.Mount(r)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("gateway listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	unsubFeed()
	hubCancel()
	hubWg.Wait()
	logger.Info("feed stopped")
	engine.Close()
	manager.Close()
	logger.Info("realtime closed")
	srvWg.Wait()
}

func originList(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/loanchat/chat-app/internal/config"
	"github.com/loanchat/chat-app/internal/gateway"
	"github.com/loanchat/chat-app/internal/identity"
	"github.com/loanchat/chat-app/internal/loan"
	"github.com/loanchat/chat-app/internal/logging"
	"github.com/loanchat/chat-app/internal/messaging"
	"github.com/loanchat/chat-app/internal/presence"
	"github.com/loanchat/chat-app/internal/ratelimit"
	"github.com/loanchat/chat-app/internal/router"
	"github.com/loanchat/chat-app/internal/session"
	"github.com/loanchat/chat-app/internal/store"
	"github.com/loanchat/chat-app/internal/ws"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	serverName := cfg.Server.Name
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	if serverName == "" {
		serverName = "ws-1"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// --- Message store ---
	var (
		db       *sql.DB
		msgStore store.Store
	)
	if cfg.Database.URL == "" {
		log.Warn().Msg("database.url is empty, messages are kept in memory")
		msgStore = store.NewMemoryStore()
	} else {
		db, err = store.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
		}
		if cfg.Database.Migrate {
			if err := store.Migrate(ctx, db); err != nil {
				log.Fatal().Err(err).Msg("failed to migrate database")
			}
		}
		msgStore = store.NewPostgresStore(db)
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to connect to Redis")
	}

	// --- Membership ---
	loans := loan.NewCachedSource(
		loan.NewHTTPSource(loan.HTTPConfig{BaseURL: cfg.Loan.ServiceURL, Timeout: cfg.Loan.Timeout}),
		rdb,
		loan.CacheConfig{TTL: cfg.Loan.CacheTTL, NegativeTTL: cfg.Loan.NegativeCacheTTL},
	)
	resolver := loan.NewResolver(loans)

	// --- Gateway ---
	gwConfig := gateway.DefaultConfig()
	gwConfig.AuthTimeout = cfg.Server.AuthTimeout
	gw := gateway.New(
		gwConfig,
		identity.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		resolver,
		presence.NewRegistry(cfg.Chat.TypingTTL),
	)
	sessions := session.NewStore(rdb, serverName)
	gw.SetDirectory(sessions)

	var (
		bus    *messaging.Bus
		fanout *messaging.Fanout
	)
	if cfg.NATS.URL != "" {
		busConfig := messaging.DefaultBusConfig()
		busConfig.URL = cfg.NATS.URL
		busConfig.Name = "loanchat-" + serverName
		bus, err = messaging.Dial(busConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		fanout, err = messaging.NewFanout(bus, gw)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to subscribe to deliveries")
		}
		gw.SetFanout(fanout)
	}

	rt := router.New(router.Config{
		MaxBodyRunes: cfg.Chat.MaxBodyRunes,
		MaxBodyBytes: cfg.Chat.MaxBodyBytes,
		HistoryLimit: cfg.Chat.HistoryLimit,
	}, gw, msgStore, resolver)

	// --- Rate limiting ---
	rules := ratelimit.Rules{
		Send:    ratelimit.Rule{Name: "send", Key: ratelimit.RuleSend.Key, Limit: cfg.RateLimit.SendLimit, Window: cfg.RateLimit.SendWindow},
		Typing:  ratelimit.Rule{Name: "typing", Key: ratelimit.RuleTyping.Key, Limit: cfg.RateLimit.TypingLimit, Window: cfg.RateLimit.TypingWindow},
		Connect: ratelimit.Rule{Name: "connect", Key: ratelimit.RuleConnect.Key, Limit: cfg.RateLimit.ConnectLimit, Window: cfg.RateLimit.ConnectWindow},
	}
	h := &handlers{gw: gw, router: rt, rules: rules}

	// --- WebSocket server ---
	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.Server.ListenAddr
	wsConfig.WorkerPoolSize = cfg.Server.WorkerPoolSize
	wsConfig.MaxConnections = cfg.Server.MaxConnections
	wsConfig.MaxMessageSize = cfg.Server.MaxMessageSize
	wsConfig.ReadTimeout = cfg.Server.ReadTimeout
	wsConfig.WriteTimeout = cfg.Server.WriteTimeout
	wsConfig.Heartbeat = ws.HeartbeatConfig{
		Interval: cfg.Server.HeartbeatInterval,
		Timeout:  cfg.Server.HeartbeatTimeout,
	}

	dispatcher := ws.NewMessageDispatcher(nil, cfg.Server.HandlerTimeout)
	h.register(dispatcher)

	server := ws.NewServer(wsConfig, gw.Authenticate, dispatcher.Dispatch)
	dispatcher.SetServer(server)
	gw.SetSender(server)

	if cfg.RateLimit.Enabled {
		limiter := ratelimit.NewLimiter(rdb)
		h.limiter = limiter
		server.SetAdmitter(connectAdmitter(limiter, rules.Connect))
	}

	server.SetOnConnect(func(c *ws.Connection) error {
		return gw.Register(c.ID, c.UserID)
	})
	server.SetOnDisconnect(gw.Disconnect)
	server.SetOnHeartbeat(func(c *ws.Connection) {
		hctx, hcancel := context.WithTimeout(context.Background(), time.Second)
		defer hcancel()
		if err := sessions.Touch(hctx, c.ID); err != nil {
			log.Debug().Err(err).Str("session", c.ID).Msg("session touch failed")
		}
	})

	log.Info().
		Str("listen_addr", wsConfig.ListenAddr).
		Str("server_name", serverName).
		Str("redis_addr", cfg.Redis.Addr).
		Str("nats_url", cfg.NATS.URL).
		Bool("postgres", db != nil).
		Bool("rate_limit", cfg.RateLimit.Enabled).
		Msg("loan chat server starting")

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")

		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		if err := server.Shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
		gw.Presence().Close()
		if bus != nil {
			fanout.Stop()
			if err := bus.Close(); err != nil {
				log.Error().Err(err).Msg("nats close error")
			}
		}
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("redis close error")
		}
		if db != nil {
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("database close error")
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devverse/chat-core/internal/chat"
	"github.com/devverse/chat-core/internal/identity"
	"github.com/devverse/chat-core/internal/messaging"
	"github.com/devverse/chat-core/internal/presence"
	"github.com/devverse/chat-core/internal/protocol"
	"github.com/devverse/chat-core/internal/ratelimit"
	"github.com/devverse/chat-core/internal/router"
	"github.com/devverse/chat-core/internal/storage"
	"github.com/devverse/chat-core/internal/typing"
	"github.com/devverse/chat-core/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	typingWindow := typing.DefaultWindow
	if v := os.Getenv("TYPING_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			typingWindow = d
		}
	}

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "chat-1"
	}

	// --- Identity ---
	var provider identity.Provider
	switch {
	case os.Getenv("JWT_SECRET") != "":
		provider = identity.NewJWTProvider(os.Getenv("JWT_SECRET"))
	case os.Getenv("ALLOW_INSECURE_AUTH") == "1":
		log.Printf("WARNING: insecure auth enabled, tokens are trusted as user ids")
		provider = identity.InsecureProvider{}
	default:
		log.Fatal("JWT_SECRET is required (or set ALLOW_INSECURE_AUTH=1 for local development)")
	}

	// --- Redis (last-seen persistence + rate limiting, optional) ---
	var (
		lastSeenStore presence.LastSeenStore
		limiter       *ratelimit.Limiter
		redisClient   *redis.Client
	)
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect to Redis at %s: %v", redisAddr, err)
		}
		cancel()
		lastSeenStore = presence.NewRedisLastSeenStore(redisClient)
		limiter = ratelimit.NewLimiter(redisClient)
	} else {
		log.Printf("REDIS_ADDR not set: last-seen persistence and rate limiting disabled")
	}

	// --- PostgreSQL (durable message store, optional) ---
	var store chat.Store
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL != "" {
		db, err := storage.Open(databaseURL)
		if err != nil {
			log.Fatalf("failed to connect to PostgreSQL: %v", err)
		}
		defer db.Close()
		if err := storage.Migrate(db); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		store = storage.NewMessageStore(db)
	} else {
		log.Printf("DATABASE_URL not set: using in-memory message store, history will not survive restarts")
		store = chat.NewMemoryStore()
	}

	// --- NATS (cross-instance fan-out, optional) ---
	var natsClient *messaging.NATSClient
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = serverName
		var err error
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	} else {
		log.Printf("NATS_URL not set: running single-instance, no cross-server fan-out")
	}

	log.Printf("DevVerse chat server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  typing_window:   %s", typingWindow)
	log.Printf("  server_name:     %s", serverName)

	// Declare server early so closures can capture it.
	var server *ws.Server

	pipeline := chat.NewPipeline(store)
	registry := presence.NewRegistry()

	routerCfg := router.Config{
		Origin:       serverName,
		Pipeline:     pipeline,
		Registry:     registry,
		LastSeen:     lastSeenStore,
		TypingWindow: typingWindow,
	}
	if natsClient != nil {
		routerCfg.Publisher = natsClient
	}

	dispatcher := ws.NewMessageDispatcher(nil)

	// authenticate resolves the handshake to a user id and applies the
	// per-user connection rate limit.
	authenticate := func(r *http.Request) (string, error) {
		token := r.URL.Query().Get("token")
		if token == "" {
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				token = strings.TrimPrefix(h, "Bearer ")
			}
		}
		userID, err := provider.VerifyToken(token)
		if err != nil {
			return "", err
		}
		if limiter != nil {
			if allowed, _ := limiter.Allow(r.Context(), userID, ratelimit.RuleConnect); !allowed {
				return "", identity.ErrInvalidToken
			}
		}
		return userID, nil
	}

	server = ws.NewServer(config, authenticate, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	routerCfg.Outbound = server
	rt := router.New(routerCfg)

	server.SetOnConnect(rt.Connect)
	server.SetOnDisconnect(rt.Disconnect)

	// -----------------------------------------------------------------------
	// joinChat — open (or attach to) the session with a peer
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinChat, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinChatMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := rt.Join(ctx, conn.UserID, joinMsg.FirstName, joinMsg.Target, conn.ID); err != nil {
			log.Printf("joinChat user=%s target=%s: %v", conn.UserID, joinMsg.Target, err)
		}
	})

	// -----------------------------------------------------------------------
	// sendMessage — validate, persist, deliver
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if limiter != nil {
			if allowed, _ := limiter.Allow(ctx, conn.UserID, ratelimit.RuleMessage); !allowed {
				resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
					RetryAfter: int(ratelimit.RuleMessage.Window.Seconds()),
				})
				conn.WriteMessage(resp)
				return
			}
		}

		rt.SendMessage(ctx, conn.UserID, sendMsg.Target, conn.ID, sendMsg.Text)
	})

	// -----------------------------------------------------------------------
	// markAsSeen — acknowledge the peer's unseen messages
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMarkAsSeen, func(conn *ws.Connection, msg interface{}) {
		seenMsg, ok := msg.(protocol.MarkAsSeenMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		rt.MarkSeen(ctx, conn.UserID, seenMsg.Target, conn.ID)
	})

	// -----------------------------------------------------------------------
	// typing / stopTyping — debounced typing indicator
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		rt.TypingEvent(conn.UserID, typingMsg.Target, typingMsg.SenderName)
	})

	dispatcher.Register(protocol.TypeStopTyping, func(conn *ws.Connection, msg interface{}) {
		stopMsg, ok := msg.(protocol.StopTypingMsg)
		if !ok {
			return
		}
		rt.StopTypingEvent(conn.UserID, stopMsg.Target)
	})

	// -----------------------------------------------------------------------
	// requestStatus — presence snapshot on demand
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeRequestStatus, func(conn *ws.Connection, msg interface{}) {
		statusMsg, ok := msg.(protocol.RequestStatusMsg)
		if !ok || statusMsg.UserID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		rt.RequestStatus(ctx, statusMsg.UserID, conn.ID)
	})

	// Mirror remote instances' events to locally connected users.
	if natsClient != nil {
		if err := natsClient.SubscribeChatAll(rt.HandleRemoteChat); err != nil {
			log.Fatalf("failed to subscribe to chat events: %v", err)
		}
		if err := natsClient.SubscribePresenceAll(rt.HandleRemotePresence); err != nil {
			log.Fatalf("failed to subscribe to presence events: %v", err)
		}
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if natsClient != nil {
			natsClient.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		rt.Typing().Shutdown()
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/johnvesslyalti/tars-chat/internal/directory"
	"github.com/johnvesslyalti/tars-chat/internal/domain"
	"github.com/johnvesslyalti/tars-chat/internal/identity"
	"github.com/johnvesslyalti/tars-chat/internal/live"
	"github.com/johnvesslyalti/tars-chat/internal/message"
	"github.com/johnvesslyalti/tars-chat/internal/messaging"
	"github.com/johnvesslyalti/tars-chat/internal/metrics"
	"github.com/johnvesslyalti/tars-chat/internal/presence"
	"github.com/johnvesslyalti/tars-chat/internal/protocol"
	"github.com/johnvesslyalti/tars-chat/internal/query"
	"github.com/johnvesslyalti/tars-chat/internal/ratelimit"
	"github.com/johnvesslyalti/tars-chat/internal/readstate"
	"github.com/johnvesslyalti/tars-chat/internal/session"
	"github.com/johnvesslyalti/tars-chat/internal/store"
	"github.com/johnvesslyalti/tars-chat/internal/typing"
	"github.com/johnvesslyalti/tars-chat/internal/ws"
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

	// --- PostgreSQL ---
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		dsn = "postgres://localhost:5432/tarschat?sslmode=disable"
	}
	db, err := store.Open(context.Background(), dsn)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if err := store.Migrate(db); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsConfig.Name = "tars-chat-syncserver"
	bus, err := messaging.NewBus(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "sync-1"
	}

	sessionStore, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	rdb := sessionStore.Client()

	// --- Stores ---
	users := identity.NewStore(db)
	convs := directory.NewStore(db)
	messages := message.NewStore(db)
	readState := readstate.NewStore(db)
	presenceStore := presence.NewStore(rdb)
	typingStore := typing.NewStore(rdb)
	limiter := ratelimit.NewLimiter(rdb)

	catalog := &query.Catalog{
		Users:    users,
		Convs:    convs,
		Messages: messages,
		Read:     readState,
		Presence: presenceStore,
		Typing:   typingStore,
	}

	// --- Live query engine, fed by the NATS invalidation bus ---
	engine := live.NewEngine(config.WorkerPoolSize)
	engine.SetRerunHook(func() { metrics.QueryRerunsTotal.Inc() })
	if err := bus.SubscribeInvalidations(func(key live.Key) {
		engine.Invalidate(key)
	}); err != nil {
		log.Fatalf("failed to subscribe to invalidations: %v", err)
	}

	log.Printf("tars-chat sync server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  server_name:     %s", serverName)

	// Declare server early so closures can capture it.
	var server *ws.Server

	// Per-connection live subscription ids, so disconnects can drop them.
	var subMu sync.Mutex
	subsByConn := map[string]map[string]bool{}

	trackSub := func(connID, subID string) {
		subMu.Lock()
		if subsByConn[connID] == nil {
			subsByConn[connID] = map[string]bool{}
		}
		subsByConn[connID][subID] = true
		subMu.Unlock()
		metrics.LiveQueries.Set(float64(engine.Count()))
	}
	dropSub := func(connID, subID string) {
		engine.Unsubscribe(subID)
		subMu.Lock()
		delete(subsByConn[connID], subID)
		subMu.Unlock()
		metrics.LiveQueries.Set(float64(engine.Count()))
	}
	dropAllSubs := func(connID string) {
		subMu.Lock()
		ids := subsByConn[connID]
		delete(subsByConn, connID)
		subMu.Unlock()
		for subID := range ids {
			engine.Unsubscribe(subID)
		}
		metrics.LiveQueries.Set(float64(engine.Count()))
	}

	sendError := func(conn *ws.Connection, err error) {
		code := protocol.CodeInternal
		switch {
		case errors.Is(err, domain.ErrInvalidArgument):
			code = protocol.CodeInvalidArgument
		case errors.Is(err, domain.ErrNotFound):
			code = protocol.CodeNotFound
		}
		data, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code: code, Message: err.Error(),
		})
		_ = conn.WriteMessage(data)
	}

	// sessionUser resolves the connection to its bound user id; it sends a
	// not_identified error and returns "" when ensure_user has not happened.
	sessionUser := func(ctx context.Context, conn *ws.Connection) string {
		userID, err := sessionStore.UserID(ctx, conn.ID)
		if err != nil {
			log.Printf("[session] lookup %s: %v", conn.ID, err)
		}
		if userID == "" {
			data, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code: protocol.CodeNotIdentified, Message: "send ensure_user first",
			})
			_ = conn.WriteMessage(data)
		}
		return userID
	}

	publish := func(keys ...live.Key) {
		if err := bus.PublishInvalidation(keys...); err != nil {
			log.Printf("[sync] publish invalidation: %v", err)
		}
	}

	dispatcher := ws.NewMessageDispatcher(nil)

	// -----------------------------------------------------------------------
	// ensure_user: map the external identity to an internal user
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeEnsureUser, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.EnsureUserMsg)
		if !ok {
			return
		}
		ctx := context.Background()

		user, err := users.EnsureUser(ctx, m.ExternalID, m.DisplayName, m.AvatarURL)
		if err != nil {
			sendError(conn, err)
			return
		}
		if err := sessionStore.BindUser(ctx, conn.ID, user.ID); err != nil {
			log.Printf("[ensure_user] bind session=%s: %v", conn.ID, err)
		}
		metrics.WritesTotal.WithLabelValues("ensure_user").Inc()
		publish(live.KeyUsers)

		resp, _ := protocol.NewServerMessage(protocol.TypeUserReady, protocol.UserReadyMsg{
			UserID:      user.ID,
			ExternalID:  user.ExternalID,
			DisplayName: user.DisplayName,
			AvatarURL:   user.AvatarURL,
		})
		_ = conn.WriteMessage(resp)
		log.Printf("ensure_user session=%s user=%s external=%s", conn.ID, user.ID, user.ExternalID)
	})

	// -----------------------------------------------------------------------
	// heartbeat: renew presence
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeHeartbeat, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.HeartbeatMsg)
		if !ok {
			return
		}
		ctx := context.Background()
		userID := sessionUser(ctx, conn)
		if userID == "" {
			return
		}

		online := true
		if m.Online != nil {
			online = *m.Online
		}
		if err := presenceStore.Heartbeat(ctx, userID, online); err != nil {
			sendError(conn, err)
			return
		}
		_ = sessionStore.Touch(ctx, conn.ID)
		metrics.WritesTotal.WithLabelValues("heartbeat").Inc()
		publish(live.KeyPresence)
	})

	// -----------------------------------------------------------------------
	// open_conversation: find or create the direct conversation
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeOpenConversation, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.OpenConversationMsg)
		if !ok {
			return
		}
		ctx := context.Background()
		userID := sessionUser(ctx, conn)
		if userID == "" {
			return
		}

		conv, err := convs.GetOrCreate(ctx, userID, m.OtherUserID)
		if err != nil {
			sendError(conn, err)
			return
		}
		metrics.WritesTotal.WithLabelValues("conversation").Inc()
		publish(
			live.UserConversations(conv.MemberLow),
			live.UserConversations(conv.MemberHigh),
		)

		resp, _ := protocol.NewServerMessage(protocol.TypeConversationReady, protocol.ConversationReadyMsg{
			ConversationID: conv.ID,
			OtherUserID:    conv.Other(userID),
		})
		_ = conn.WriteMessage(resp)
		log.Printf("open_conversation session=%s conv=%s", conn.ID, conv.ID)
	})

	// -----------------------------------------------------------------------
	// send_message: append to a conversation
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		ctx := context.Background()
		userID := sessionUser(ctx, conn)
		if userID == "" {
			return
		}

		if allowed, _ := limiter.Allow(ctx, conn.ID, ratelimit.RuleMessage); !allowed {
			data, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(ratelimit.RuleMessage.Window.Seconds()),
			})
			_ = conn.WriteMessage(data)
			return
		}

		start := time.Now()
		sent, err := messages.Send(ctx, m.ConversationID, userID, m.Body)
		if err != nil {
			sendError(conn, err)
			return
		}
		metrics.WriteLatency.Observe(time.Since(start).Seconds())
		metrics.WritesTotal.WithLabelValues("message").Inc()

		// The send also bumped the conversation's recency, so both members'
		// conversation lists changed.
		conv, convErr := convs.ByID(ctx, m.ConversationID)
		keys := []live.Key{live.ConversationMessages(m.ConversationID)}
		if convErr == nil {
			keys = append(keys,
				live.UserConversations(conv.MemberLow),
				live.UserConversations(conv.MemberHigh),
			)
		}
		publish(keys...)

		resp, _ := protocol.NewServerMessage(protocol.TypeMessageSent, protocol.MessageSentMsg{
			MessageID:      sent.ID,
			ConversationID: sent.ConversationID,
			Seq:            sent.Seq,
			CreatedAt:      sent.CreatedAt.UnixMilli(),
		})
		_ = conn.WriteMessage(resp)
	})

	// -----------------------------------------------------------------------
	// set_typing: renew the typing flag
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSetTyping, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SetTypingMsg)
		if !ok {
			return
		}
		ctx := context.Background()
		userID := sessionUser(ctx, conn)
		if userID == "" {
			return
		}

		if allowed, _ := limiter.Allow(ctx, conn.ID, ratelimit.RuleTyping); !allowed {
			return // typing is best-effort; drop silently when throttled
		}

		if err := typingStore.Set(ctx, m.ConversationID, userID); err != nil {
			sendError(conn, err)
			return
		}
		metrics.WritesTotal.WithLabelValues("typing").Inc()
		publish(live.ConversationTyping(m.ConversationID))
	})

	// -----------------------------------------------------------------------
	// mark_read: move the read marker
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMarkRead, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.MarkReadMsg)
		if !ok {
			return
		}
		ctx := context.Background()
		userID := sessionUser(ctx, conn)
		if userID == "" {
			return
		}

		if err := readState.MarkRead(ctx, m.ConversationID, userID); err != nil {
			sendError(conn, err)
			return
		}
		metrics.WritesTotal.WithLabelValues("mark_read").Inc()
		publish(live.ReadMarker(m.ConversationID, userID))
	})

	// -----------------------------------------------------------------------
	// subscribe / unsubscribe: live queries
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSubscribe, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SubscribeMsg)
		if !ok {
			return
		}
		ctx := context.Background()
		userID := sessionUser(ctx, conn)
		if userID == "" {
			return
		}

		sess, err := sessionStore.Get(ctx, conn.ID)
		if err != nil || sess == nil {
			sendError(conn, errors.New("session lookup failed"))
			return
		}
		user, err := users.ByID(ctx, userID)
		if err != nil {
			sendError(conn, err)
			return
		}

		fn, err := catalog.Build(ctx, query.Request{
			Query:          m.Query,
			UserID:         userID,
			ExternalID:     user.ExternalID,
			ConversationID: m.ConversationID,
		})
		if err != nil {
			sendError(conn, err)
			return
		}

		connID := conn.ID
		clientSubID := m.ID
		queryName := m.Query
		subID := connID + "/" + clientSubID

		deliver := func(result interface{}, err error) {
			if err != nil {
				return // rerun failure already logged; next invalidation retries
			}
			data, buildErr := protocol.NewServerMessage(protocol.TypeQueryResult, protocol.QueryResultMsg{
				ID:     clientSubID,
				Query:  queryName,
				Result: result,
			})
			if buildErr != nil {
				log.Printf("[subscribe] build result %s: %v", subID, buildErr)
				return
			}
			if err := server.SendMessage(connID, data); err != nil {
				log.Printf("[subscribe] deliver %s: %v", subID, err)
			}
		}

		if err := engine.Subscribe(ctx, subID, fn, deliver); err != nil {
			sendError(conn, err)
			return
		}
		trackSub(connID, subID)
		log.Printf("subscribe session=%s query=%s id=%s", connID, queryName, clientSubID)
	})

	dispatcher.Register(protocol.TypeUnsubscribe, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.UnsubscribeMsg)
		if !ok {
			return
		}
		dropSub(conn.ID, conn.ID+"/"+m.ID)
		log.Printf("unsubscribe session=%s id=%s", conn.ID, m.ID)
	})

	server = ws.NewServer(config, sessionStore, dispatcher.Dispatch)
	server.SetLimiter(limiter)
	dispatcher.SetServer(server)

	// Disconnects drop the connection's live queries and flip the user's
	// presence offline immediately; an unclean drop without this callback is
	// caught by the 15s stale sweep instead.
	server.SetOnDisconnect(func(connID string) {
		dropAllSubs(connID)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		userID, err := sessionStore.UserID(ctx, connID)
		if err != nil || userID == "" {
			return
		}
		if err := presenceStore.Heartbeat(ctx, userID, false); err != nil {
			log.Printf("[disconnect] offline %s: %v", userID, err)
			return
		}
		publish(live.KeyPresence)
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		engine.Close()
		bus.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("postgres close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

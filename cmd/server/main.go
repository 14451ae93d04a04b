package main

import (
	"chatrelay/internal/audio"
	"chatrelay/internal/cache"
	"chatrelay/internal/config"
	"chatrelay/internal/database"
	"chatrelay/internal/handlers"
	"chatrelay/internal/jobs"
	"chatrelay/internal/llm"
	"chatrelay/internal/logging"
	"chatrelay/internal/middleware"
	"chatrelay/internal/services"
	"chatrelay/internal/vector"
	"chatrelay/pkg/auth"
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

const sessionTokenExpiry = 24 * time.Hour

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting chat relay...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, Environment: %s)", cfg.Port, cfg.Environment)

	if cfg.IsProduction() && cfg.DatabaseURL == "" && cfg.MongoURI == "" {
		log.Fatal("❌ DATABASE_URL or MONGODB_URI is required in production")
	}

	// Datastore
	tables := append([]string{
		database.TableProfiles,
		database.TableChatHistory,
		database.TableGlobalInstructions,
	}, cfg.UserContextTables...)
	store, err := database.Open(cfg.DatabaseURL, cfg.MongoURI, tables)
	if err != nil {
		log.Fatalf("❌ Failed to open datastore: %v", err)
	}
	log.Println("✅ Datastore ready")

	// Redis (optional): shared cache tier and vector index
	var redisService *services.RedisService
	var sharedTier cache.SharedTier
	var index vector.Index = vector.NewMemoryIndex()
	if cfg.RedisURL != "" {
		redisService, err = services.NewRedisService(cfg.RedisURL, cfg.ExternalCallTimeout)
		if err != nil {
			log.Printf("⚠️  Redis unavailable: %v (using process-local cache and vector index)", err)
			redisService = nil
		} else {
			sharedTier = cache.NewRedisTier(redisService.Client(), "chatrelay:cache:", cfg.ExternalCallTimeout)
			index = vector.NewRedisIndex(redisService.Client(), "chatrelay:vectors:")
		}
	} else {
		log.Println("⚠️  REDIS_URL not set - caches are process-local")
	}

	// Caches and metrics
	connManager := services.NewConnectionManager()
	metrics := services.NewMetrics(prometheus.DefaultRegisterer, connManager)
	caches := cache.NewManager(cfg.CacheTTLs, sharedTier)
	caches.SetObserver(metrics)

	// Model service
	if cfg.GeminiAPIKey == "" {
		log.Fatal("❌ GEMINI_API_KEY is required")
	}
	genaiClient, err := llm.NewGeminiClient(context.Background(), cfg.GeminiAPIKey)
	if err != nil {
		log.Fatalf("❌ Failed to create model client: %v", err)
	}
	chatModel := llm.NewGeminiModel(genaiClient, cfg.ChatModel)
	log.Printf("🤖 Chat model: %s", cfg.ChatModel)

	openaiClient := llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)

	// Vector search
	var vectorSearch *services.VectorSearchService
	if cfg.VectorSearch {
		var embedder llm.Embedder
		switch cfg.EmbeddingProvider {
		case "openai":
			if cfg.OpenAIAPIKey == "" {
				log.Println("⚠️  EMBEDDING_PROVIDER=openai but OPENAI_API_KEY is not set - vector search disabled")
			} else {
				embedder = llm.NewOpenAIEmbedder(openaiClient, cfg.EmbeddingModel, cfg.EmbeddingDims)
			}
		default:
			embedder = llm.NewGeminiEmbedder(genaiClient, cfg.EmbeddingModel, cfg.EmbeddingDims)
		}
		if embedder != nil {
			vectorSearch = services.NewVectorSearchService(embedder, index, caches, cfg.ExternalCallTimeout)
			log.Printf("🔎 Vector search enabled (%s embeddings)", cfg.EmbeddingProvider)
		}
	}

	// Context services
	history := services.NewChatHistoryService(store, caches, cfg.HistoryStoredTurns, cfg.ExternalCallTimeout)
	instructions := services.NewInstructionService(store, caches, cfg.InstructionCharBudget, cfg.ExternalCallTimeout)
	if vectorSearch != nil {
		instructions.SetIndexer(vectorSearch)
	}
	userContext := services.NewUserContextService(store, caches, cfg.UserContextTables, cfg.UserContextSliceLimit, cfg.ExternalCallTimeout)
	formatter := services.NewContextFormatter(cfg.FormatterRowThreshold)

	chatCfg := services.DefaultChatConfig()
	chatCfg.HistoryPromptTurns = cfg.HistoryPromptTurns
	chatCfg.ModelStreamTimeout = cfg.ModelStreamTimeout
	chatService := services.NewChatService(chatModel, history, instructions, userContext, formatter, vectorSearch, caches, chatCfg)
	chatService.SetMetrics(metrics)

	// Audio side-channel
	var transcriber audio.Transcriber
	if cfg.WhisperAPIKey != "" {
		transcriber = audio.NewWhisperTranscriber(cfg.WhisperAPIURL, cfg.WhisperAPIKey, "", cfg.ModelStreamTimeout)
		log.Println("🎤 Transcription via Whisper")
	} else {
		transcribeModel := chatModel
		if cfg.TranscribeModel != "" {
			transcribeModel = llm.NewGeminiModel(genaiClient, cfg.TranscribeModel)
		}
		transcriber = audio.NewModelTranscriber(transcribeModel, cfg.ModelStreamTimeout)
		log.Println("🎤 Transcription via chat model")
	}
	var synthesizer audio.Synthesizer
	if cfg.OpenAIAPIKey != "" {
		synthesizer = audio.NewOpenAISynthesizer(openaiClient, cfg.TTSModel, cfg.TTSVoice, cfg.TTSTimeout)
		log.Println("🔊 Text-to-speech enabled")
	} else {
		log.Println("⚠️  OPENAI_API_KEY not set - audio turns reply without speech")
	}
	chatService.SetAudio(transcriber, synthesizer)

	// Global instructions from file, kept in sync on change
	rootCtx, stopWatchers := context.WithCancel(context.Background())
	if cfg.InstructionsFile != "" {
		watcher := services.NewInstructionFileWatcher(cfg.InstructionsFile, instructions)
		if err := watcher.Load(rootCtx); err != nil {
			log.Printf("⚠️  Failed to load instructions file: %v", err)
		}
		go watcher.Run(rootCtx)
	}

	// Background jobs
	chatLimiter := services.NewChatRateLimiter(cfg.ChatRatePerMinute)
	jobScheduler, err := jobs.NewJobScheduler()
	if err != nil {
		log.Fatalf("❌ Failed to create job scheduler: %v", err)
	}
	if err := jobScheduler.Register("cache-cleanup", cfg.CacheCleanupCron, jobs.NewCacheCleanupJob(caches, chatLimiter)); err != nil {
		log.Fatalf("❌ Failed to register cache cleanup: %v", err)
	}
	jobScheduler.Start()

	// Auth
	var jwtAuth *auth.LocalJWTAuth
	if cfg.JWTSecret != "" {
		jwtAuth, err = auth.NewLocalJWTAuth(cfg.JWTSecret, sessionTokenExpiry)
		if err != nil {
			log.Fatalf("❌ Failed to initialize JWT auth: %v", err)
		}
		log.Println("🔐 JWT session tokens enabled")
	} else if cfg.IsProduction() {
		log.Fatal("❌ JWT_SECRET is required in production")
	} else {
		log.Println("⚠️  JWT_SECRET not set - sessions identify themselves (development mode only)")
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "chatrelay",
		ReadTimeout:  cfg.ModelStreamTimeout + 30*time.Second,
		WriteTimeout: cfg.ModelStreamTimeout + 30*time.Second,
		IdleTimeout:  5 * time.Minute,
		BodyLimit:    16 * 1024 * 1024, // audio payloads arrive base64-encoded
	})

	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prom := fiberprometheus.New("chatrelay")
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Global=%d/min, Admin=%d/min, WS=%d/min, Chat=%d/min",
		rateLimitConfig.GlobalAPIMax,
		rateLimitConfig.AdminMax,
		rateLimitConfig.WebSocketMax,
		cfg.ChatRatePerMinute,
	)

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: allowedOrigins != "*",
	}))

	app.Use("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig))

	// Health
	deps := map[string]handlers.Pinger{"datastore": store}
	if redisService != nil {
		deps["redis"] = redisService
	}
	healthHandler := handlers.NewHealthHandler(connManager, deps)
	app.Get("/health", healthHandler.Handle)

	// Admin API
	adminHandler := handlers.NewAdminHandler(instructions, userContext, history, caches, connManager, jobScheduler)
	admin := app.Group("/api/admin",
		middleware.LocalAuthMiddleware(jwtAuth),
		middleware.AdminMiddleware(cfg),
		middleware.AdminRateLimiter(rateLimitConfig),
	)
	adminHandler.Register(admin)

	// WebSocket session endpoint
	wsHandler := handlers.NewWebSocketHandler(connManager, chatService, chatLimiter, metrics)
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			c.Locals("client_ip", c.IP())
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	wsConfig := websocket.Config{
		Origins: strings.Split(allowedOrigins, ","),
	}
	app.Use("/ws/chat", middleware.WebSocketRateLimiter(rateLimitConfig))
	app.Use("/ws/chat", middleware.OptionalLocalAuthMiddleware(jwtAuth))
	app.Get("/ws/chat", websocket.New(wsHandler.Handle, wsConfig))

	log.Printf("💬 Chat endpoint: ws://localhost:%s/ws/chat", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)
	log.Printf("🕐 Background jobs: cache cleanup (%s)", cfg.CacheCleanupCron)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}

	// Listen returned: drain in-flight turns before closing backends
	stopWatchers()
	jobScheduler.Stop()
	wsHandler.Wait()
	chatService.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Close(closeCtx); err != nil {
		log.Printf("⚠️ Error closing datastore: %v", err)
	}
	if redisService != nil {
		if err := redisService.Close(); err != nil {
			log.Printf("⚠️ Error closing Redis: %v", err)
		}
	}
	log.Println("👋 Server stopped")
}

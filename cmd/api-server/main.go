package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/memeforge/trust-engine/configs"
	"github.com/memeforge/trust-engine/internal/auth"
	"github.com/memeforge/trust-engine/internal/bse"
	"github.com/memeforge/trust-engine/internal/dashboard"
	"github.com/memeforge/trust-engine/internal/gatekeeper"
	"github.com/memeforge/trust-engine/internal/httpapi"
	"github.com/memeforge/trust-engine/internal/ingress"
	"github.com/memeforge/trust-engine/internal/maf"
	"github.com/memeforge/trust-engine/internal/queue"
	"github.com/memeforge/trust-engine/internal/repositories"
	"github.com/memeforge/trust-engine/internal/scheduler"
	"github.com/memeforge/trust-engine/internal/services"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()
	setupLogging(cfg.Server.Environment)

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		os.Exit(1)
	}

	log.Info().
		Str("environment", cfg.Server.Environment).
		Str("port", cfg.Server.Port).
		Msg("Starting trust engine API server")

	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to database")
		os.Exit(2)
	}
	defer db.Close()

	streamClient, err := queue.NewFingerprintStreamClient(cfg.Redis, cfg.Worker.DeadLetterStream)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to Redis stream")
		os.Exit(2)
	}
	defer streamClient.Close()

	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to Redis cache")
		os.Exit(2)
	}
	defer cacheClient.Close()

	// Repositories
	userRepo := repositories.NewUserRepository(db)
	eventRepo := repositories.NewEventRepository(db)
	fingerprintRepo := repositories.NewFingerprintRepository(db)
	anomalyRepo := repositories.NewAnomalyRepository(db)
	leaderboardRepo := repositories.NewLeaderboardRepository(db)
	jobLogRepo := repositories.NewJobLogRepository(db)
	accessLogRepo := repositories.NewAccessLogRepository(db)
	operatorRepo := repositories.NewOperatorRepository(db)

	// Core engines
	forwarder := bse.NewForwarder(cfg.Webhook)
	engine := bse.NewEngine(userRepo, eventRepo, anomalyRepo, forwarder)
	identity := maf.NewIdentityClient(cfg.Scoring, cacheClient)
	collector := maf.NewCollector(streamClient, identity)
	flagger := maf.NewFlagger(fingerprintRepo, anomalyRepo)
	gate := gatekeeper.New(userRepo, accessLogRepo, cfg.Gatekeeper)

	// Ingress
	referralDetector := ingress.NewReferralDetector(eventRepo, cfg.Scoring)
	stats := ingress.NewStatsRecorder(cacheClient)
	webhookHandler := ingress.NewHandler(cfg, engine, collector, flagger, userRepo, eventRepo, fingerprintRepo, db, referralDetector, stats)

	// Operator auth
	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Expiration)
	authService := services.NewAuthService(operatorRepo, jwtManager)

	// Meme generation, gated on the access policy
	memeService := services.NewMemeService(cfg.Meme, gate)

	// Dashboard
	dashboardService := dashboard.NewService(userRepo, eventRepo, anomalyRepo, leaderboardRepo, jobLogRepo, stats)
	hub := dashboard.NewHub()
	dashboardHandler := dashboard.NewHandler(dashboardService, hub)
	go hub.Run()
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.PushLoop(ctx, dashboardService, cfg.Dashboard.RefreshInterval)

	// Scheduled jobs run in-process alongside the API
	sched := scheduler.New(jobLogRepo)
	scheduler.NewJobs(engine, userRepo, leaderboardRepo, anomalyRepo, fingerprintRepo, jobLogRepo).RegisterAll(sched)
	go sched.Start(ctx)

	// HTTP
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware())
	router.Use(corsMiddleware())

	setupRoutes(router, cfg, webhookHandler, dashboardHandler, gate, jwtManager, authService, memeService)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func setupRoutes(
	router *gin.Engine,
	cfg *configs.Config,
	webhookHandler *ingress.Handler,
	dashboardHandler *dashboard.Handler,
	gate *gatekeeper.Gatekeeper,
	jwtManager *auth.JWTManager,
	authService *services.AuthService,
	memeService *services.MemeService,
) {
	router.GET("/health", webhookHandler.HandleHealth)

	// Event intake
	webhookAuth := ingress.AuthMiddleware(cfg.Webhook)
	webhookLimiter := ingress.NewRateLimiter(cfg.Webhook.RateLimitPerHour)
	botLimiter := ingress.NewRateLimiter(cfg.Webhook.BotRateLimitPerHour)

	router.POST("/webhook", webhookLimiter.Middleware(), webhookAuth, webhookHandler.HandleWebhook)
	router.POST("/webhook/bot-detection", botLimiter.Middleware(), webhookAuth, webhookHandler.HandleBotDetection)
	router.GET("/webhook/stats", webhookAuth, webhookHandler.HandleStats)

	// Operator auth (public)
	authRoutes := router.Group("/api/auth")
	{
		authRoutes.POST("/register", registerHandler(authService))
		authRoutes.POST("/login", loginHandler(authService))
		authRoutes.POST("/refresh", auth.Middleware(jwtManager), refreshTokenHandler(authService))
	}

	// Operator dashboard
	dashboardRoutes := router.Group("/api/dashboard")
	dashboardRoutes.Use(auth.Middleware(jwtManager))
	{
		dashboardRoutes.GET("/data", dashboardHandler.HandleData)
		dashboardRoutes.GET("/metrics", dashboardHandler.HandleMetrics)
	}
	// Websocket auth happens via the browser session; the stream carries
	// only aggregate metrics
	router.GET("/ws/dashboard", dashboardHandler.HandleStream)

	// Access gatekeeper
	accessRoutes := router.Group("/api/access")
	accessRoutes.Use(auth.Middleware(jwtManager))
	{
		accessRoutes.POST("/validate", validateAccessHandler(gate))
		accessRoutes.POST("/upload", validateUploadHandler(gate))
		accessRoutes.POST("/passkey", auth.RoleMiddleware("admin"), grantPasskeyHandler(gate))
	}

	// Meme generation
	memeRoutes := router.Group("/api/memes")
	memeRoutes.Use(auth.Middleware(jwtManager))
	{
		memeRoutes.POST("/generate", generateMemeHandler(memeService))
	}

	router.NoRoute(func(c *gin.Context) {
		httpapi.AbortError(c, http.StatusNotFound, httpapi.CodeEndpointNotFound, "Endpoint not found")
	})
	router.NoMethod(func(c *gin.Context) {
		httpapi.AbortError(c, http.StatusMethodNotAllowed, httpapi.CodeMethodNotAllowed, "Method not allowed")
	})
}

// Middleware

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = time.Now().UTC().Format("20060102150405.000000000")
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("request_id", c.GetString("request_id")).
			Str("client_ip", c.ClientIP()).
			Msg("Request completed")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID, X-Webhook-Signature")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Handlers

func registerHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := authService.Register(c.Request.Context(), &req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, services.ErrWeakPassword) || errors.Is(err, repositories.ErrOperatorAlreadyExists) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, resp)
	}
}

func loginHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := authService.Login(c.Request.Context(), &req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, services.ErrInvalidCredentials) {
				status = http.StatusUnauthorized
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func refreshTokenHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if len(token) > 7 {
			token = token[7:] // strip "Bearer "
		}

		resp, err := authService.RefreshToken(c.Request.Context(), token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func validateAccessHandler(gate *gatekeeper.Gatekeeper) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		decision := gate.ValidateAccess(c.Request.Context(), req.UserID)
		status := http.StatusOK
		if !decision.AccessGranted {
			status = http.StatusForbidden
		}
		c.JSON(status, decision)
	}
}

func grantPasskeyHandler(gate *gatekeeper.Gatekeeper) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UserID      string `json:"user_id" binding:"required"`
			Scope       string `json:"scope"`
			AccessLevel string `json:"access_level"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Scope == "" {
			req.Scope = "uploads"
		}

		passkey, err := gate.GrantPasskey(c.Request.Context(), req.UserID, req.Scope, req.AccessLevel)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, repositories.ErrUserNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		operatorID, _ := auth.OperatorIDFromContext(c)
		log.Info().
			Str("operator_id", operatorID.String()).
			Str("user_id", req.UserID).
			Str("scope", req.Scope).
			Msg("Passkey granted by operator")

		c.JSON(http.StatusOK, gin.H{
			"user_id": req.UserID,
			"passkey": passkey,
		})
	}
}

func generateMemeHandler(memes *services.MemeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.MemeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, cached, err := memes.Generate(c.Request.Context(), &req)
		if err != nil {
			switch {
			case errors.Is(err, services.ErrMemeAccessDenied):
				c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			case errors.Is(err, services.ErrGeneratorDisabled):
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			}
			return
		}

		cacheStatus := "MISS"
		if cached {
			cacheStatus = "HIT"
		}
		c.Header("X-Cache", cacheStatus)
		c.Data(http.StatusOK, "application/json", result)
	}
}

func validateUploadHandler(gate *gatekeeper.Gatekeeper) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UserID      string `json:"user_id" binding:"required"`
			ContentType string `json:"content_type" binding:"required"`
			Size        int64  `json:"size" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		decision := gate.ValidateUpload(c.Request.Context(), req.UserID, req.ContentType, req.Size)
		status := http.StatusOK
		if !decision.AccessGranted {
			status = http.StatusForbidden
		}
		c.JSON(status, decision)
	}
}

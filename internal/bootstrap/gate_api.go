package bootstrap

import (
	"strings"
	"time"

	"mailgate_server/adapter/in/http"
	"mailgate_server/config"
	"mailgate_server/infra/middleware"
	"mailgate_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/etag"
)

func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	// Initialize logger
	logLevel := logger.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = logger.LevelDebug
	}
	logger.Init(logger.Config{
		Level:   logLevel,
		Service: "mailgate",
	})

	// Initialize JWKS for Supabase ES256/RS256 JWT verification
	middleware.InitJWKS(cfg.SupabaseURL)

	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize dependencies")
		return nil, nil, err
	}

	// Token blacklist needs Redis, so it comes after deps
	middleware.InitTokenBlacklist(deps.Redis)

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		Prefork:               false,
		StrictRouting:         false,
		CaseSensitive:         false,

		ReadBufferSize:  16384,
		WriteBufferSize: 16384,

		// go-json is 2-3x faster than encoding/json
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		// The gateway never accepts large payloads
		BodyLimit: 1 * 1024 * 1024,

		Concurrency: 256 * 1024,

		ServerHeader:       "",
		DisableDefaultDate: true,

		DisableKeepalive: false,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.PreventPathTraversal())
	app.Use(middleware.ValidateContentType())
	app.Use(middleware.RequestLogger())

	// Response compression (gzip/brotli)
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	app.Use(etag.New())

	// CORS - AllowCredentials:true requires explicit origins (not "*")
	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			// Never allow "*" with credentials in production
			allowOrigins = ""
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000,http://localhost:5173"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID,X-RateLimit-Limit,X-RateLimit-Remaining,X-RateLimit-Reset",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	// Health check (no auth required, IP-limited)
	healthLimiter := middleware.NewRateLimiter(120, time.Minute)
	app.Use("/health", healthLimiter.Handler())
	app.Use("/ready", healthLimiter.Handler())
	healthHandler := http.NewHealthHandlerWithDeps(deps.DB, deps.Redis)
	healthHandler.Register(app)

	// API routes (with auth and rate limiting)
	api := app.Group("/api/v1")

	rateLimiter := middleware.NewAdvancedRateLimiter(middleware.RateLimitConfig{
		IPLimit:   cfg.RateLimitIPPerMin,
		UserLimit: cfg.RateLimitUserPerMin,
		Window:    time.Minute,
	})
	api.Use(rateLimiter.Handler())

	// Gateway requests are tiny; anything bigger is not ours
	api.Use(middleware.MaxBodySize(64 * 1024))

	api.Use(middleware.JWTAuth(cfg.JWTSecret))

	// Mail gateway handler
	mailHandler := http.NewMailHandler(deps.GatewayService)
	mailHandler.Register(api)

	logger.Info("API server initialized successfully")

	return app, cleanup, nil
}

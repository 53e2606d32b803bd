package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	httpHandler "study-rooms/internal/handler/http"
	wsHandler "study-rooms/internal/handler/websocket"
	"study-rooms/internal/hub"
	gormpersistence "study-rooms/internal/infra/persistence/gorm"
	"study-rooms/internal/infra/persistence/memory"
	"study-rooms/internal/infra/setup"
	redisstate "study-rooms/internal/infra/state/redis"
	"study-rooms/internal/middleware"
	"study-rooms/internal/registry"
	"study-rooms/internal/repository"
	"study-rooms/internal/service"
	"study-rooms/internal/tasks"
	"study-rooms/internal/worker"
)

// App 结构体包含应用的所有组件和配置
type App struct {
	Config         *Config
	Log            *logrus.Logger
	DB             *gorm.DB // DB_DRIVER=memory 时为 nil
	RedisClient    *redis.Client
	AsynqClient    *asynq.Client
	AsynqServer    *worker.WorkerServer
	Scheduler      *asynq.Scheduler
	Registry       *registry.Registry
	Hub            *hub.Hub
	HttpServer     *http.Server
	redisClientOpt asynq.RedisClientOpt
	fallback       *middleware.IPRateLimiter
	cancel         context.CancelFunc // 停止 Hub 和本地限流清理
}

// NewApp 创建并初始化应用的所有组件
func NewApp() (*App, error) {
	// 1. 加载配置
	cfg, err := LoadConfig()
	if err != nil {
		// 使用标准输出记录启动时错误，因为 logrus 可能还未完全配置
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, err
	}

	// 2. 初始化 Logger
	log := newLogger(cfg)
	log.Info("Configuration loaded successfully")

	// 3. 初始化基础设施和 Repositories
	log.Info("Initializing infrastructure...")
	db, userRepo, roomRepo, err := initStores(cfg, log)
	if err != nil {
		return nil, err
	}

	redisClient, err := setup.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to init Redis: %w", err)
	}
	log.Info("Redis client initialized")
	stateRepo := redisstate.NewRedisStateRepository(redisClient, cfg.KeyPrefix)

	redisClientOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	asynqClient := asynq.NewClient(redisClientOpt)
	log.Info("Asynq client initialized")

	// 4. 从持久化记录恢复房间注册表
	reg := registry.New()
	loadCtx, loadCancel := context.WithTimeout(context.Background(), 30*time.Second)
	rooms, err := roomRepo.FindAll(loadCtx)
	loadCancel()
	if err != nil {
		return nil, fmt.Errorf("failed to load rooms: %w", err)
	}
	log.WithFields(logrus.Fields{"records": len(rooms), "loaded": reg.Load(rooms)}).Info("Room registry restored")

	// 5. 初始化 Services
	log.Info("Initializing services...")
	propagator := service.NewPropagator(userRepo, asynqClient, stateRepo, service.PropagatorConfig{
		MaxRetry: cfg.PropagationMaxRetry,
	})
	membershipService := service.NewMembershipService(reg, userRepo, propagator)
	sessionService := service.NewSessionService(reg, userRepo, propagator, cfg.SessionHistoryCap)
	discoveryService := service.NewDiscoveryService(reg, userRepo, stateRepo)
	log.Info("Services initialized")

	// 6. 初始化 Hub
	hubInstance := hub.NewHub(stateRepo)
	log.Info("Hub initialized")

	// 7. 初始化 Handlers
	roomHandler := httpHandler.NewRoomHandler(membershipService)
	sessionHandler := httpHandler.NewSessionHandler(sessionService)
	discoveryHandler := httpHandler.NewDiscoveryHandler(discoveryService)
	websocketHandler := wsHandler.NewWebSocketHandler(hubInstance, membershipService, cfg.CORSAllowedOrigin)
	log.Info("Handlers initialized")

	// 8. 初始化 Worker Server
	workerServer := worker.NewWorkerServer(redisClientOpt, worker.Dependencies{
		Registry: reg,
		UserRepo: userRepo,
		RoomRepo: roomRepo,
	}, log)
	log.Info("Worker server initialized")

	// 9. 初始化 Gin Engine 和路由
	log.Info("Setting up Gin router...")
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(log))
	router.Use(middleware.CORS(cfg.CORSAllowedOrigin))

	fallback := middleware.NewIPRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	rateLimit := middleware.RateLimit(stateRepo, fallback, cfg.RateLimitMax, cfg.RateLimitWindow)

	api := router.Group("/api")
	api.Use(rateLimit, middleware.Auth(cfg.JWTSecret))
	httpHandler.RegisterRoutes(api, roomHandler, sessionHandler, discoveryHandler)

	wsRoutes := router.Group("/ws").Use(middleware.Auth(cfg.JWTSecret))
	{
		wsRoutes.GET("/rooms/:roomId", websocketHandler.HandleConnection)
	}
	router.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	log.Info("Router setup complete")

	// 10. 初始化 HTTP Server
	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return &App{
		Config:         cfg,
		Log:            log,
		DB:             db,
		RedisClient:    redisClient,
		AsynqClient:    asynqClient,
		AsynqServer:    workerServer,
		Registry:       reg,
		Hub:            hubInstance,
		HttpServer:     httpServer,
		redisClientOpt: redisClientOpt,
		fallback:       fallback,
	}, nil
}

func newLogger(cfg *Config) *logrus.Logger {
	log := logrus.New()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	}
	logLevel, _ := logrus.ParseLevel(cfg.LogLevel) // cfg.LogLevel 已被 LoadConfig 验证
	log.SetLevel(logLevel)
	log.SetOutput(os.Stdout)

	// 各包直接使用 logrus 标准 logger，保持同样的格式和级别
	logrus.SetFormatter(log.Formatter)
	logrus.SetLevel(logLevel)
	log.Infof("Logger initialized (Level: %s)", logLevel.String())
	return log
}

// initStores 根据 DB_DRIVER 创建用户存储和房间存储
func initStores(cfg *Config, log *logrus.Logger) (*gorm.DB, repository.UserRepository, repository.RoomRepository, error) {
	if cfg.DBDriver == setup.DriverMemory {
		log.Warn("DB_DRIVER=memory: rooms and user records are not persisted across restarts")
		return nil, memory.NewUserRepository(), memory.NewRoomRepository(), nil
	}

	db, err := setup.InitDB(setup.DBConfig{
		Driver:   cfg.DBDriver,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		Name:     cfg.DBName,
		Debug:    cfg.AppEnv != "production" && cfg.LogLevel == "debug",
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to init DB: %w", err)
	}
	log.Info("Database initialized")

	if err := setup.MigrateDB(db, gormpersistence.Models()...); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to migrate DB: %w", err)
	}
	log.Info("Database migrated")

	return db, gormpersistence.NewGormUserRepository(db), gormpersistence.NewGormRoomRepository(db), nil
}

// Start 启动应用的所有后台 Goroutine 和 HTTP 服务器
func (a *App) Start() {
	a.Log.Info("Starting application background routines...")
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go a.Hub.Run(ctx)
	a.Log.Info("Hub routine started")

	go a.fallback.Cleanup(ctx)

	go a.AsynqServer.Start()
	a.Log.Info("Asynq worker server routine started")

	a.registerPeriodicTasks()

	// 启动 HTTP 服务器
	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
}

// registerPeriodicTasks 注册周期性的成员视图对账任务
func (a *App) registerPeriodicTasks() {
	scheduler := asynq.NewScheduler(a.redisClientOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})

	taskPayload, err := tasks.NewMembershipReconcileTask()
	if err != nil {
		a.Log.Errorf("Failed to create membership reconcile task payload: %v", err)
		return
	}
	task := asynq.NewTask(tasks.TypeMembershipReconcile, taskPayload)

	schedule := a.Config.ReconcileSchedule
	entryID, err := scheduler.Register(schedule, task, asynq.Queue("low"), asynq.MaxRetry(0))
	if err != nil {
		a.Log.Errorf("Could not register membership reconcile task: %v", err)
		return
	}
	a.Log.Infof("Membership reconcile task registered with schedule '%s' (EntryID: %s)", schedule, entryID)

	if err := scheduler.Start(); err != nil {
		a.Log.Errorf("Asynq scheduler failed to start: %v", err)
		return
	}
	a.Scheduler = scheduler
	a.Log.Info("Asynq scheduler started")
}

// Shutdown 优雅地关闭应用
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")

	// 1. 先停止接收新请求
	a.Log.Info("Shutting down HTTP server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	} else {
		a.Log.Info("HTTP server shut down gracefully.")
	}

	// 2. 停止 Hub 和后台清理，关闭所有实时连接
	if a.cancel != nil {
		a.cancel()
	}

	// 3. 停止周期任务和 Worker Server
	if a.Scheduler != nil {
		a.Scheduler.Shutdown()
		a.Log.Info("Asynq scheduler stopped.")
	}
	if a.AsynqServer != nil {
		a.AsynqServer.Shutdown()
	}

	// 4. 关闭 Asynq Client
	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			a.Log.Errorf("Error closing Asynq client: %v", err)
		} else {
			a.Log.Info("Asynq client closed.")
		}
	}

	// 5. 关闭 Redis 连接
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		} else {
			a.Log.Info("Redis connection closed.")
		}
	}

	// 6. 关闭数据库连接
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				a.Log.Errorf("Error closing database connection: %v", err)
			} else {
				a.Log.Info("Database connection closed.")
			}
		}
	}

	a.Log.Info("Application shutdown complete.")
}

// LoggerMiddleware 创建一个 Gin 中间件用于记录请求日志
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next() // 处理请求
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		path := c.Request.URL.Path
		// WebSocket 的 token 放在查询参数里，不写入日志
		if c.Request.URL.RawQuery != "" && !c.Request.URL.Query().Has("token") {
			path = path + "?" + c.Request.URL.RawQuery
		}
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		fields := logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
		}
		if userID, ok := middleware.CurrentUserID(c); ok {
			fields["user_id"] = userID
		}
		entry := log.WithFields(fields)

		switch {
		case errorMessage != "":
			entry.Error(errorMessage)
		case statusCode >= 500:
			entry.Error("Server error")
		case statusCode >= 400:
			entry.Warn("Client error")
		default:
			entry.Info("Request handled")
		}
	}
}

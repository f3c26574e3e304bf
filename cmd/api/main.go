package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/careerlink/messaging/internal/auth"
	"github.com/careerlink/messaging/internal/data"
	"github.com/careerlink/messaging/internal/db"
	"github.com/careerlink/messaging/internal/files"
	"github.com/careerlink/messaging/internal/middleware"
	"github.com/careerlink/messaging/internal/notify"
	"github.com/careerlink/messaging/internal/presence"
	"github.com/careerlink/messaging/internal/realtime"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		log.Fatal("MONGODB_URI must be set")
	}
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		log.Fatal("REDIS_URL must be set")
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	jwtKeysEnv := os.Getenv("JWT_KEYS") // optional: format kid:secret,kid2:secret2
	jwtActiveKid := os.Getenv("JWT_ACTIVE_KID")
	if jwtKeysEnv == "" && jwtSecret == "" {
		log.Fatal("either JWT_SECRET or JWT_KEYS must be set")
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	uploadDir := os.Getenv("UPLOAD_DIR")
	if uploadDir == "" {
		uploadDir = "./uploads"
	}

	ctx := context.Background()

	// Initialize database
	dbClient, err := db.New(ctx, mongoURI)
	if err != nil {
		log.Fatalf("failed to connect to DB: %v", err)
	}
	defer func() {
		_ = dbClient.Close(ctx)
	}()

	// Ensure indexes exist
	if err := dbClient.CreateIndexes(ctx); err != nil {
		log.Fatalf("failed to create indexes: %v", err)
	}

	// Create stores
	usersStore := data.NewUsersStore(dbClient.UsersCollection())
	threadStore := data.NewThreadStore(dbClient.ConversationsCollection(), dbClient.MessagesCollection())

	// Initialize auth manager (token valid for 24 hours). If JWT_KEYS supplied
	// we parse keys so token rotation is possible; otherwise fall back to single
	// JWT_SECRET value for backward compatibility.
	var jwtMgr *auth.JWTManager
	if jwtKeysEnv != "" {
		keyMap := map[string]string{}
		for _, p := range strings.Split(jwtKeysEnv, ",") {
			if p == "" {
				continue
			}
			parts := strings.SplitN(p, ":", 2)
			if len(parts) != 2 {
				log.Fatalf("invalid JWT_KEYS entry: %s", p)
			}
			keyMap[parts[0]] = parts[1]
		}
		jwtMgr = auth.NewJWTManagerFromKeys(keyMap, jwtActiveKid, 24*time.Hour)
	} else {
		jwtMgr = auth.NewJWTManager(jwtSecret, 24*time.Hour)
	}

	// Redis backs both the notification records and the task queue.
	redisOpt, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("invalid REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(redisOpt)
	defer rdb.Close()

	asynqOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		log.Fatalf("invalid REDIS_URL for task queue: %v", err)
	}
	asynqClient := asynq.NewClient(asynqOpt)
	defer asynqClient.Close()

	notifyStore := notify.NewRedisStore(rdb)
	fanout := notify.NewFanout(asynqClient, notifyStore)

	// Embedded worker consuming the notification queue. Runs in-process so
	// a single binary is a complete deployment; scale out by running more
	// instances.
	worker := asynq.NewServer(asynqOpt, asynq.Config{
		Concurrency: 5,
		Queues:      map[string]int{notify.Queue: 1},
	})
	workerMux := asynq.NewServeMux()
	notify.RegisterHandlers(workerMux, notifyStore)
	go func() {
		if err := worker.Run(workerMux); err != nil {
			log.Fatalf("notification worker exit: %v", err)
		}
	}()

	// Attachment storage
	uploads, err := files.NewDiskStore(uploadDir, "/uploads")
	if err != nil {
		log.Fatalf("failed to init upload store: %v", err)
	}

	// Live-channel plumbing
	tracker := presence.NewTracker()
	coordinator := realtime.NewCoordinator(threadStore, usersStore, tracker, fanout)

	// REST rate limiting, RATE_LIMIT_RPM requests per authenticated user
	rateRPM := 120
	if v := os.Getenv("RATE_LIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rateRPM = n
		}
	}
	limiterStore := middleware.NewLimiterStore(rateRPM, 20, 1*time.Minute)
	defer limiterStore.Stop()

	var origins []string
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		origins = strings.Split(v, ",")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery(), middleware.CORS(origins))
	engine.Static("/uploads", uploadDir)

	srv := newServer(threadStore, coordinator, notifyStore, uploads)
	srv.routes(engine,
		middleware.Authenticate(jwtMgr),
		middleware.RateLimit(limiterStore),
		realtime.Handler(jwtMgr, coordinator),
	)

	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: engine,
	}

	go func() {
		log.Printf("messaging server listening on :%s", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server exit: %v", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("shutting down")
	worker.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}

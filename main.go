package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"relay-service/internal/auth"
	"relay-service/internal/config"
	"relay-service/internal/db"
	"relay-service/internal/dispatch"
	grpcserver "relay-service/internal/grpc"
	"relay-service/internal/handlers"
	"relay-service/internal/lifecycle"
	"relay-service/internal/logger"
	"relay-service/internal/middleware"
	"relay-service/internal/observability"
	"relay-service/internal/rabbitmq"
	"relay-service/internal/registry"
	"relay-service/internal/relay"
	"relay-service/internal/repositories"
	"relay-service/internal/rooms"
	"relay-service/internal/signaling"
	"relay-service/internal/telemetry"
	"relay-service/internal/users"
	"relay-service/internal/ws"
)

const serviceName = "relay-service"

type storage struct {
	rooms    repositories.RoomRepository
	messages repositories.MessageRepository
	profiles users.ProfileSource
	checks   map[string]grpcserver.Check
	database *sqlx.DB
	redis    *redis.Client
}

func main() {
	cfg := config.Load()
	logger.Init(cfg.Env)

	rootCtx, cancelRoot := context.WithCancel(context.Background())

	shutdownTracing, err := observability.InitTracing(rootCtx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracing")
	}

	store, err := openStorage(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, serviceName, cfg.Env)
	mode, reason := rabbitmq.Describe(publisher)
	log.Info().Str("mode", mode).Str("reason", reason).Msg("event publisher ready")

	reg := registry.New()
	disp := dispatch.New(0, cfg.WorkerIdleTimeout)
	tokens := auth.NewJWTValidator(cfg.JWTSecret)

	broker := signaling.NewBroker(store.rooms, reg, disp, cfg.StoreTimeout)
	roomSvc := rooms.NewService(store.rooms, reg, disp, rooms.Options{
		StrictJoin:   cfg.RoomJoinStrict,
		StoreTimeout: cfg.StoreTimeout,
		Audit:        audit,
		Calls:        broker,
	})
	messageRelay := relay.New(store.messages, store.rooms, store.profiles, reg, disp, relay.Options{StoreTimeout: cfg.StoreTimeout})
	hub := ws.NewHub(ws.Deps{
		Registry:  reg,
		Rooms:     roomSvc,
		Relay:     messageRelay,
		Broker:    broker,
		Lifecycle: lifecycle.New(reg, broker),
		Tokens:    tokens,
	}, ws.Config{
		AuthRequired: cfg.AuthRequired,
		SendBuffer:   cfg.WSSendBuffer,
		RatePerSec:   cfg.WSRatePerSec,
		RateBurst:    cfg.WSRateBurst,
	})

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())

	limiter := middleware.NewRateLimiter(rate.Limit(cfg.HTTPRatePerSec), cfg.HTTPRateBurst, 2*time.Minute)
	authMiddleware := middleware.AuthMiddleware(tokens)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": reg.Count(), "clients": hub.Clients()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", hub.Handle)

	api := router.Group("/", middleware.RateLimit(limiter), authMiddleware)
	handlers.NewRoomHandler(roomSvc, messageRelay, broker).Register(api)
	handlers.RegisterDebugRoutes(router, audit, reg, broker, cfg.DebugRoutes)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv := grpcserver.NewServer()

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return err
		}
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		grpcSrv.Watch(gctx, 10*time.Second, store.checks)
		return nil
	})

	var consumer *rabbitmq.Consumer
	if cfg.AMQPURL != "" {
		consumer, err = rabbitmq.NewConsumer(cfg.AMQPURL, cfg.AMQPExchange, cfg.ProjectEventsQueue, roomSvc, cfg.StoreTimeout)
		if err != nil {
			log.Warn().Err(err).Msg("project event consumer disabled")
		} else {
			g.Go(func() error { return consumer.Run(gctx) })
		}
	}

	go func() {
		if err := g.Wait(); err != nil {
			log.Error().Err(err).Msg("background service failed, shutting down")
			if p, err := os.FindProcess(os.Getpid()); err == nil {
				_ = p.Signal(syscall.SIGTERM)
			}
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"relay": func(ctx context.Context) error {
				log.Info().Msg("graceful shutdown initiated")
				err := errors.Join(
					httpServer.Shutdown(ctx),
					hub.Shutdown(ctx),
					disp.Close(ctx),
				)
				limiter.Stop()
				cancelRoot()
				return errors.Join(err, store.close())
			},
			"grpc": func(ctx context.Context) error {
				grpcSrv.Stop(ctx)
				return nil
			},
			"amqp": func(ctx context.Context) error {
				var err error
				if consumer != nil {
					err = consumer.Close()
				}
				return errors.Join(err, publisher.Close())
			},
			"tracing": func(ctx context.Context) error {
				return shutdownTracing(ctx)
			},
		},
	)

	exitCode := <-wait
	log.Info().Int("code", exitCode).Msg("relay-service exited")
	os.Exit(exitCode)
}

// openStorage picks the in-memory store for DB_DSN=memory and Postgres
// otherwise, with profiles cached in Redis when REDIS_ADDR is set.
func openStorage(cfg config.Config) (*storage, error) {
	s := &storage{checks: map[string]grpcserver.Check{}}

	if cfg.DatabaseDSN == "memory" {
		mem := repositories.NewMemoryStore()
		s.rooms, s.messages = mem, mem
		s.profiles = users.NewMemoryProfiles()
		log.Warn().Msg("using in-memory store, data is lost on restart")
	} else {
		database, err := db.Connect(cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		s.database = database
		s.rooms = repositories.NewRoomRepo(database)
		s.messages = repositories.NewMessageRepo(database)
		s.profiles = users.NewUserRepo(database)
		s.checks["postgres"] = database.PingContext
	}

	if cfg.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		s.profiles = users.NewCachedProfiles(s.profiles, s.redis, cfg.ProfileCacheTTL)
		s.checks["redis"] = func(ctx context.Context) error { return s.redis.Ping(ctx).Err() }
	}
	return s, nil
}

func (s *storage) close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.database != nil {
		errs = append(errs, s.database.Close())
	}
	return errors.Join(errs...)
}

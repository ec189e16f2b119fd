package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/segment-engine/internal/analytics"
	"github.com/ignite/segment-engine/internal/api"
	"github.com/ignite/segment-engine/internal/config"
	"github.com/ignite/segment-engine/internal/corpus"
	"github.com/ignite/segment-engine/internal/pkg/distlock"
	"github.com/ignite/segment-engine/internal/pkg/logger"
	"github.com/ignite/segment-engine/internal/search"
	"github.com/ignite/segment-engine/internal/segmentation"
	"github.com/ignite/segment-engine/internal/storage"
	"github.com/ignite/segment-engine/internal/worker"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	slash := strings.Index(rest, "/")
	if slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	dbURL := cfg.URL
	if !strings.Contains(dbURL, "connect_timeout") {
		sep := "?"
		if strings.Contains(dbURL, "?") {
			sep = "&"
		}
		dbURL += sep + "connect_timeout=5"
	}
	log.Printf("DB URL host portion: ...@%s/...", extractHost(dbURL))

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func openRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func loadSeed(mem *corpus.Memory, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return mem.LoadJSON(f)
}

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  Segment Engine (cmd/server/main.go)                      ║")
	log.Println("║  CRM audience segmentation and power search API           ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")

	// Load configuration
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Printf("Warning: %v, using info", err)
	}
	logger.SetLevel(level)

	host := cfg.Server.GetHost()
	if err := checkPortAvailable(host, cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", cfg.Server.Port)

	// PostgreSQL backs segments, saved searches and the entity corpus. Without
	// it everything lives in memory.
	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = openDatabase(cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		log.Println("Connected to PostgreSQL")
	} else {
		log.Println("DATABASE_URL not set, using in-memory stores")
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		rdb, err = openRedis(cfg.Redis.URL)
		if err != nil {
			log.Printf("Warning: Redis unavailable, refresh locks stay in-process: %v", err)
			rdb = nil
		} else {
			defer rdb.Close()
			log.Println("Connected to Redis")
		}
	}

	var (
		repo      segmentation.Repository
		entities  segmentation.CorpusProvider
		savedRepo search.SavedSearchStore
	)
	if db != nil {
		repo = segmentation.NewStore(db)
		entities = corpus.NewPostgres(db)
		savedRepo = search.NewPGSavedSearchStore(db)
	} else {
		mem := corpus.NewMemory()
		if path := cfg.Segmentation.CorpusSeedPath; path != "" {
			if err := loadSeed(mem, path); err != nil {
				log.Fatalf("Failed to load corpus seed %s: %v", path, err)
			}
			log.Printf("Loaded corpus seed from %s", path)
		}
		repo = segmentation.NewMemoryStore()
		entities = mem
		savedRepo = search.NewMemorySavedSearchStore()
	}

	materializer := segmentation.NewMaterializer(entities, segmentation.MaterializerConfig{
		Workers:       cfg.Segmentation.Workers,
		PartitionSize: cfg.Segmentation.PartitionSize,
	})
	engine := segmentation.NewEngine(repo, materializer)
	authorizer := api.NewRoleAuthorizer(cfg.Segmentation.CreatorRoles...)
	engine.SetAuthorizer(authorizer)

	// Segments built from a search re-run it through the executor.
	executor := search.NewExecutor(entities)
	engine.SetQueryEvaluator(executor)

	// Membership publication for the campaign and export subsystems
	store, err := storage.New(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	engine.SetPublisher(store)
	log.Printf("Membership publication: %s", cfg.Storage.Type)

	if cfg.Analytics.BaseURL != "" {
		engine.SetPerformanceAggregator(analytics.NewClient(analytics.Config{
			BaseURL:    cfg.Analytics.BaseURL,
			APIKey:     cfg.Analytics.APIKey,
			Timeout:    cfg.Analytics.Timeout(),
			MaxRetries: cfg.Analytics.MaxRetries,
		}))
		log.Printf("Segment performance from %s", cfg.Analytics.BaseURL)
	}

	// Cross-process refresh locks
	switch backend := cfg.Segmentation.LockBackend; {
	case backend == "redis" && rdb != nil:
		engine.SetLockFactory(lockFactory(rdb, nil, cfg.Segmentation))
		log.Println("Refresh locks: redis")
	case backend == "postgres" && db != nil:
		engine.SetLockFactory(lockFactory(nil, db, cfg.Segmentation))
		log.Println("Refresh locks: postgres advisory")
	default:
		log.Println("Refresh locks: in-process only")
	}

	// Refresh scheduler
	var refresher *worker.SegmentRefresher
	if cfg.Segmentation.SchedulerOn() {
		refresher = worker.NewSegmentRefresher(engine)
		refresher.SetIntervalUnit(cfg.Segmentation.RefreshUnit())
		refresher.SetResyncInterval(cfg.Segmentation.ResyncInterval())
		engine.SetScheduleHook(refresher)
		if err := refresher.Start(); err != nil {
			log.Fatalf("Failed to start segment refresher: %v", err)
		}
		log.Printf("Segment refresher started (unit %s)", cfg.Segmentation.RefreshUnit())
	} else {
		log.Println("Segment refresher disabled on this instance")
	}

	converter := search.NewConverter(engine)
	converter.SetAuthorizer(authorizer)
	converter.SetStaticCap(cfg.Segmentation.StaticMemberCap)

	rc := api.RouteConfig{
		Search: api.NewSearchAPI(executor, converter, savedRepo),
	}
	if refresher != nil {
		rc.Segments = api.NewSegmentationAPI(engine, store, refresher)
		rc.Health = api.NewHealthChecker(db, rdb, refresher)
	} else {
		rc.Segments = api.NewSegmentationAPI(engine, store, nil)
		rc.Health = api.NewHealthChecker(db, rdb, nil)
	}
	server := api.NewServer(cfg.Server, rc)

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, cfg.Server.Port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized, server is ready")

	<-done
	log.Println("Shutting down...")

	if refresher != nil {
		refresher.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

func lockFactory(rdb *redis.Client, db *sql.DB, cfg config.SegmentationConfig) segmentation.LockFactory {
	ttl := cfg.LockTTL()
	return func(id uuid.UUID) segmentation.Locker {
		return distlock.NewLock(rdb, db, "segment-refresh:"+id.String(), ttl)
	}
}

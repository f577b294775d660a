package main

import (
	"context"
	"log"
	"os"
	"time"

	"discoursego/internal/api"
	"discoursego/internal/config"
	"discoursego/internal/orchestrator"
	"discoursego/internal/redis"
	"discoursego/internal/service/assistant"
	"discoursego/internal/storage"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("DISCOURSEGO_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("DISCOURSEGO_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	cache, err := redis.NewClient(cfg)
	if err != nil {
		log.Fatalf("create redis client: %v", err)
	}
	defer cache.Close()

	assistantService := assistant.NewService(db)

	fileBase := cfg.BasicConfig.FileBaseDir
	if fileBase == "" {
		fileBase = "./data/uploads"
	}
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	sweepInterval := time.Duration(cfg.BasicConfig.SweepIntervalMinutes) * time.Minute
	assistantService.StartUploadSweeper(sweepCtx, fileBase, sweepInterval)

	orch := orchestrator.New(assistantService, cfg, cache, nil)
	handlers := api.NewHandler(assistantService, orch, fileBase, cfg.MaxUploadBytes())

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/lumenlearn/lumen-backend/internal/clients/redis"
	"github.com/lumenlearn/lumen-backend/internal/db"
	"github.com/lumenlearn/lumen-backend/internal/logger"
	"github.com/lumenlearn/lumen-backend/internal/repos"
	"github.com/lumenlearn/lumen-backend/internal/services"
	"github.com/lumenlearn/lumen-backend/internal/utils"
)

func main() {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	log.Info("Setting up repos...")
	cacheRepo := repos.NewContentCacheRepo(thePG, log)
	curriculumRepo := repos.NewCurriculumRepo(thePG, log)
	callLogRepo := repos.NewCompletionCallLogRepo(thePG, log)

	var bus goredis.GenerationBus
	if b, err := goredis.NewGenerationBus(log); err != nil {
		log.Warn("Generation bus disabled", "error", err)
	} else {
		bus = b
		defer bus.Close()
	}

	log.Info("Setting up services...")
	var invoker services.ModelInvoker
	provider := utils.GetEnv("COMPLETION_PROVIDER", "openai", log)
	if provider == "scripted" {
		invoker = services.NewScriptedInvoker()
	} else {
		invoker, err = services.NewOpenAIInvoker(log)
		if err != nil {
			log.Fatal("Could not init model invoker", "error", err)
		}
	}
	completionClient := services.NewCompletionClient(log, invoker, callLogRepo)
	generationService := services.NewContentGenerationService(thePG, log, cacheRepo, completionClient, bus)
	recoveryService := services.NewRecoveryService(thePG, log, cacheRepo, curriculumRepo, generationService)

	// Recovery runs before any collaborator traffic so no node stays stuck
	// in generating from a prior crash.
	if err := recoveryService.Run(context.Background()); err != nil {
		log.Error("Generation recovery failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Generation pipeline ready")
	<-ctx.Done()

	log.Info("Shutting down, waiting for in-flight generation...")
	generationService.Wait()
}

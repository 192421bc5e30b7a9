package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/MarlonHaas/BidHive/internal/pkg/billing"
	"github.com/MarlonHaas/BidHive/internal/pkg/cache"
	"github.com/MarlonHaas/BidHive/internal/pkg/database"
	"github.com/MarlonHaas/BidHive/internal/pkg/env"
	"github.com/MarlonHaas/BidHive/internal/pkg/router"
)

func main() {
	app, scheduler := NewApplication()

	if err := scheduler.Start(); err != nil {
		log.Fatalf("failed to start billing scheduler: %v", err)
	}

	// shut the scheduler down cleanly on SIGINT/SIGTERM
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		scheduler.Stop()
		_ = app.Shutdown()
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() (*fiber.App, *billing.Scheduler) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	app := fiber.New(fiber.Config{
		AppName: "BidHive Billing",
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "admin"),
		},
	}), monitor.New())

	// ROUTER
	router.InstallRouter(app)

	svc := billing.NewServiceFromDB(database.GetDB(), cache.GetClient())
	scheduler := billing.NewScheduler(svc.Processor)

	return app, scheduler
}

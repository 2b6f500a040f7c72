package main

import (
	"context"
	"crypto/rand"
	"embed"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/template"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	"github.com/wachiwi/scopecam/cmd/scopecam/handlers"
	"github.com/wachiwi/scopecam/cmd/scopecam/middleware"
	"github.com/wachiwi/scopecam/pkg/camera"
	"github.com/wachiwi/scopecam/pkg/logger"
	"github.com/wachiwi/scopecam/pkg/store"
	"github.com/wachiwi/scopecam/pkg/telemetry"
	"github.com/wachiwi/scopecam/pkg/trigger"
)

//go:embed templates/*
var templateFS embed.FS

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logger.Setup()
	gin.SetMode(gin.ReleaseMode)

	addr := envOr("SCOPECAM_ADDR", ":8080")
	dataDir := envOr("SCOPECAM_DATA_DIR", "./capture-data")

	ctx := context.Background()

	// Telemetry is opt-in; without it the camera metrics are no-ops.
	if endpoint := os.Getenv("SCOPECAM_OTEL"); endpoint != "" {
		shutdown, err := telemetry.Setup(ctx, "scopecam", endpoint)
		if err != nil {
			logger.Fatal("Failed to set up telemetry", "error", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				slog.Error("Telemetry shutdown failed", "error", err)
			}
		}()
	}

	captureStore, err := store.New(dataDir)
	if err != nil {
		logger.Fatal("Failed to create capture store", "error", err)
	}

	// The simulated backend stands in for the vendor SDK; a hardware build
	// swaps in its Backend implementation here and nothing else changes.
	backend := camera.NewSimulatedBackend()

	cam := &handlers.CameraHandler{Backend: backend, Store: captureStore}
	sessionHandler := &handlers.SessionHandler{Store: captureStore}

	router := gin.Default()
	router.SetTrustedProxies([]string{"127.0.0.1"})

	// --- Authentication ---
	user := os.Getenv("SCOPECAM_USER")
	password := os.Getenv("SCOPECAM_PASSWORD")
	var protected gin.IRoutes = router
	if user != "" && password != "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			logger.Fatal("Failed to generate session secret", "error", err)
		}
		router.Use(sessions.Sessions("scopecam", cookie.NewStore(secret)))

		auth := &handlers.AuthHandler{User: user, Password: password, TemplateFS: templateFS}
		router.GET("/login", auth.LoginPage)
		router.POST("/login", auth.Login)
		router.GET("/logout", auth.Logout)

		protected = router.Group("/", middleware.AuthRequired)
	} else {
		slog.Warn("SCOPECAM_USER/SCOPECAM_PASSWORD not set, running without authentication")
	}

	// --- UI ---
	protected.GET("/", func(c *gin.Context) {
		sub, err := fs.Sub(templateFS, "templates")
		if err != nil {
			c.String(http.StatusInternalServerError, "Template error")
			return
		}
		tmpl, err := template.ParseFS(sub, "index.html")
		if err != nil {
			slog.Error("Template parse error", "error", err)
			c.String(http.StatusInternalServerError, "Template error")
			return
		}
		tmpl.Execute(c.Writer, nil)
	})

	// --- Camera API ---
	protected.GET("/stream", cam.Stream)
	protected.GET("/frame", cam.Frame)
	protected.POST("/capture", cam.Capture)
	protected.GET("/camera/status", cam.Status)
	protected.POST("/camera/open", cam.OpenCamera)
	protected.POST("/camera/close", cam.CloseCamera)

	protected.GET("/settings", cam.GetSettings)
	protected.GET("/settings/resolutions", cam.Resolutions)
	protected.GET("/settings/still_resolutions", cam.StillResolutions)
	protected.PUT("/settings/resolution", cam.SetResolution)
	protected.PUT("/settings/capture_resolution", cam.SetCaptureResolution)
	protected.PUT("/settings/exposure", cam.SetExposure)
	protected.PUT("/settings/gain", cam.SetGain)
	protected.PUT("/settings/auto_exposure", cam.SetAutoExposure)
	protected.PUT("/settings/white_balance", cam.SetWhiteBalance)
	protected.POST("/settings/auto_white_balance", cam.AutoWhiteBalance)

	protected.POST("/session/new", sessionHandler.NewSession)
	protected.GET("/session", sessionHandler.ActiveSession)
	protected.POST("/session/end", sessionHandler.EndSession)

	// --- Time-lapse scheduler ---
	var scheduler *cron.Cron
	if spec := os.Getenv("SCOPECAM_TIMELAPSE"); spec != "" {
		cronLog := &logger.CronLogger{Logger: slog.Default()}
		scheduler = cron.New(
			cron.WithChain(cron.SkipIfStillRunning(cronLog)),
		)
		if _, err := scheduler.AddFunc(spec, func() {
			if _, err := cam.CaptureToStore(); err != nil {
				if !errors.Is(err, camera.ErrNotOpen) {
					slog.Error("Time-lapse capture failed", "error", err)
				}
			}
		}); err != nil {
			logger.Fatal("Invalid time-lapse schedule", "spec", spec, "error", err)
		}
		scheduler.Start()
		slog.Info("Time-lapse enabled", "schedule", spec)
	}

	// --- Hardware shutter button ---
	if chip := os.Getenv("SCOPECAM_TRIGGER_CHIP"); chip != "" {
		offset, err := strconv.Atoi(envOr("SCOPECAM_TRIGGER_GPIO", "17"))
		if err != nil {
			logger.Fatal("Invalid SCOPECAM_TRIGGER_GPIO", "error", err)
		}
		button, err := trigger.New(chip, offset, func() {
			go func() {
				if _, err := cam.CaptureToStore(); err != nil {
					slog.Error("Shutter button capture failed", "error", err)
				}
			}()
		})
		if err != nil {
			slog.Error("Shutter trigger unavailable", "error", err)
		} else {
			defer button.Close()
			slog.Info("Shutter trigger enabled", "chip", chip, "gpio", offset)
		}
	}

	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		slog.Info("Server is running", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down")

	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}
	cam.Shutdown()
}

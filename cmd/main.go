package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yungbote/threadline-backend/internal/app"
)

const shutdownTimeout = 15 * time.Second

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init app: %v\n", err)
		os.Exit(1)
	}

	if err := a.Start(); err != nil {
		a.Log.Error("Failed to start background services", "error", err)
		a.Close(shutdownTimeout)
		os.Exit(1)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(":" + a.Cfg.Port) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	select {
	case s := <-sig:
		a.Log.Info("Shutting down", "signal", s.String())
	case err := <-runErr:
		if err != nil {
			a.Log.Error("Server failed", "error", err)
			code = 1
		}
	}
	a.Close(shutdownTimeout)
	os.Exit(code)
}

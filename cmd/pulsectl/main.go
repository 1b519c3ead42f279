// main.go - Admin control tool for Pulse
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"pulse/internal"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	c := &cli{}
	err := newRootCmd(c).ExecuteContext(ctx)

	if c.services != nil {
		if closeErr := c.services.Close(); closeErr != nil {
			log.Printf("Warning: Cleanup error: %v", closeErr)
		}
	}
	if err != nil {
		os.Exit(1)
	}
}

// cli carries what the commands share. services stays nil until a command
// that needs the database runs.
type cli struct {
	services *internal.Services
	migrate  func() error
}

// open builds the application from the global configuration.
func (c *cli) open() error {
	if c.services != nil {
		return nil
	}
	app, err := internal.NewApp()
	if err != nil {
		return err
	}
	c.services = app.Services
	c.migrate = app.DBManager.MigrateDatabase
	return nil
}

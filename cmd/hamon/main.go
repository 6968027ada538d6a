// hamon connects to a Home Assistant instance and streams bus events to the
// console. Usage:
//
//	hamon -url ws://hass.local:8123/api/websocket -event state_changed
//
// The access token is taken from -token or the HASS_TOKEN environment
// variable.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	hassws "github.com/jrudman/hass-ws"
	"github.com/jrudman/hass-ws/internal/version"
)

func main() {
	url := flag.String("url", "", "websocket endpoint (default: supervisor)")
	token := flag.String("token", "", "access token (default: $HASS_TOKEN)")
	eventType := flag.String("event", "", "only print this event type (default: all)")
	call := flag.String("call", "", "invoke a service once, e.g. light.turn_on")
	entity := flag.String("entity", "", "target entity for -call")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting hamon", "version", version.Version, "commit", version.Commit)

	if *token == "" {
		*token = os.Getenv("HASS_TOKEN")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	client := hassws.New(hassws.Config{
		URL:    *url,
		Token:  *token,
		Logger: logger,
	})

	if err := client.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to Home Assistant", "ha_version", client.Version())

	if *call != "" {
		if err := callService(ctx, client, *call, *entity); err != nil {
			logger.Error("service call failed", "error", err)
			os.Exit(1)
		}
	}

	remove, err := client.SubscribeEvents(ctx, func(ev hassws.Event) {
		printEvent(ev)
	}, *eventType)
	if err != nil {
		logger.Error("failed to subscribe", "error", err)
		os.Exit(1)
	}
	defer remove()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := client.Disconnect(shutdownCtx); err != nil {
		logger.Warn("disconnect did not complete cleanly", "error", err)
	}
}

// callService parses "domain.service" and invokes it once.
func callService(ctx context.Context, client *hassws.Client, call, entity string) error {
	domain, service, ok := strings.Cut(call, ".")
	if !ok {
		return fmt.Errorf("-call must look like domain.service, got %q", call)
	}

	var target map[string]any
	if entity != "" {
		target = map[string]any{"entity_id": entity}
	}

	res, err := client.CallService(ctx, domain, service, nil, target)
	if err != nil {
		return err
	}
	slog.Info("service called", "domain", domain, "service", service, "context", res.Context)
	return nil
}

func printEvent(ev hassws.Event) {
	data := json.RawMessage("{}")
	if len(ev.Data) > 0 {
		data = ev.Data
	}
	fmt.Printf("%s  %-24s %s\n", ev.TimeFired.Format(time.RFC3339), ev.EventType, data)
}

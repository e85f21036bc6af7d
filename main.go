package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"utalk/internal/attach"
	"utalk/internal/bus"
	"utalk/internal/cache"
	"utalk/internal/clock"
	"utalk/internal/config"
	"utalk/internal/models"
	"utalk/internal/realtime"
	"utalk/internal/ws"
)

func run(ctx context.Context) error {
	conversation := flag.String("conversation", "", "Conversation to join on connect")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	signalBus := bus.New()
	clk := clock.New()

	var store *cache.Store
	if cfg.CacheFile != "" {
		store, err = cache.Open(cfg.CacheFile, cfg.Token)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
	}

	client := ws.NewClient(clk, &ws.GorillaDialer{BaseURL: cfg.ServerURL}, ws.Config{
		ConnectTimeout: cfg.ConnectTimeout,
		BackoffBase:    cfg.BackoffBase,
		BackoffMax:     cfg.BackoffMax,
		MaxReconnects:  cfg.MaxReconnects,
		OnStatusChange: func(status models.ConnStatus, err error) {
			signalBus.PublishStateChanged(bus.StateChanged{
				Status: status,
				Err:    errString(err),
			})
			if status == models.ConnStatusFallback {
				signalBus.PublishFallback(bus.FallbackEntered{Reason: errString(err)})
			}
		},
	}, slog.Default())

	service := realtime.New(ctx, realtime.Options{
		Clock:         clk,
		Conn:          client,
		Bus:           signalBus,
		Cache:         store,
		TypingTTL:     cfg.TypingTTL,
		SweepInterval: cfg.SweepInterval,
		HistorySize:   cfg.HistorySize,
	})
	service.Start()
	defer service.Stop()

	signalBus.SubscribeMessage(func(e bus.MessageReceived) {
		fmt.Printf("[%s] %s: %s\n", e.Message.ConversationID, e.Message.SenderID, e.Message.Content)
	})
	signalBus.SubscribeStateChanged(func(e bus.StateChanged) {
		if e.Err != "" {
			slog.Warn("connection state", "status", string(e.Status), "error", e.Err)
			return
		}
		slog.Info("connection state", "status", string(e.Status))
	})
	signalBus.SubscribeFallback(func(e bus.FallbackEntered) {
		slog.Warn("realtime unavailable, showing cached data only", "reason", e.Reason)
		if *conversation != "" {
			for _, rec := range service.CachedHistory(*conversation, 20) {
				fmt.Printf("[cached] %s: %s\n", rec.SenderID, rec.Content)
			}
		}
	})
	signalBus.SubscribeStateChanged(func(e bus.StateChanged) {
		if e.Status == models.ConnStatusConnected && *conversation != "" {
			service.JoinConversation(*conversation)
		}
	})

	// The session bridge drives the connection off this signal.
	signalBus.PublishLogin(bus.LoginSucceeded{Token: cfg.Token})

	g, gCtx := errgroup.WithContext(ctx)

	// Read stdin lines and send them as messages.
	g.Go(func() error {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if *conversation == "" {
				slog.Warn("no conversation selected, use -conversation")
				continue
			}
			if path, ok := strings.CutPrefix(line, "/file "); ok {
				content, metadata, err := fileMessage(strings.TrimSpace(path))
				if err != nil {
					slog.Warn("file not sent", "error", err)
					continue
				}
				if err := service.SendMessage(*conversation, content, "file", metadata); err != nil {
					slog.Warn("file not sent", "error", err)
				}
				continue
			}
			if err := service.SendMessage(*conversation, line, "text", nil); err != nil {
				slog.Warn("message not sent", "error", err)
			}
		}
		return scanner.Err()
	})

	g.Go(func() error {
		<-gCtx.Done()
		return gCtx.Err()
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// fileMessage reads a local file and turns it into message content plus
// sniffed attachment metadata.
func fileMessage(path string) (string, map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read attachment: %w", err)
	}
	md := attach.Describe(filepath.Base(path), data)
	return md.Name, attach.MessageMetadata(md), nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal(err)
	}
}

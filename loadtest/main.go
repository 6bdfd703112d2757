package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pickup-sports/matchchat/internal/config"
	"github.com/pickup-sports/matchchat/internal/event"
	"github.com/pickup-sports/matchchat/internal/logger"
	"github.com/pickup-sports/matchchat/internal/protocol"
	"github.com/pickup-sports/matchchat/internal/pushclient"
	"github.com/pickup-sports/matchchat/internal/restclient"
	"github.com/pickup-sports/matchchat/internal/user"
)

var (
	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
)

type participant struct {
	api  *restclient.Client
	push *pushclient.Client
	user user.User
}

func main() {
	pairs := flag.Int("pairs", 50, "host/player pairs to simulate") // Start small; the database might choke on 1000 immediately.
	msgCount := flag.Int("messages", 20, "messages per user")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Default().Error("loading config", "err", err)
		os.Exit(1)
	}
	log := logger.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	log.Info("starting stress test", "users", *pairs*2, "messages_each", *msgCount)
	start := time.Now()
	var wg sync.WaitGroup

	// Each pair is one event: the host creates it, the player joins and they
	// message each other.
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			if err := runPair(cfg.Client, pairID, *msgCount, log.With("pair", pairID)); err != nil {
				failed.Add(1)
				log.Warn("pair failed", "err", err)
			}
		}(i)
	}

	wg.Wait()
	log.Info("load test complete",
		"elapsed", time.Since(start).String(),
		"sent", sent.Load(),
		"received", received.Load(),
		"failed_pairs", failed.Load())
}

func runPair(cc config.ClientConfig, pairID, msgCount int, log logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	host, err := authenticate(ctx, cc, fmt.Sprintf("u_%d_host", pairID), log)
	if err != nil {
		return err
	}
	player, err := authenticate(ctx, cc, fmt.Sprintf("u_%d_player", pairID), log)
	if err != nil {
		return err
	}

	ev, err := host.api.CreateEvent(ctx, event.CreateRequest{
		Title:    fmt.Sprintf("Load test game %d", pairID),
		Category: "football",
		StartsAt: time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	if err := player.api.JoinEvent(ctx, ev.ID); err != nil {
		return fmt.Errorf("join event: %w", err)
	}

	for _, p := range []*participant{host, player} {
		if err := p.push.Connect(ctx, p.user.ID); err != nil {
			return fmt.Errorf("push connect %s: %w", p.user.Username, err)
		}
		defer p.push.Close()
		go count(ctx, p.push)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// The player writes over the push channel; its messages go to the host.
	go func() {
		defer wg.Done()
		for i := 0; i < msgCount; i++ {
			if !player.push.Send(ev.ID, fmt.Sprintf("LoadTest Msg %d from %s", i, player.user.Username), protocol.MessageTypeText, nil) {
				log.Warn("push send dropped", "user", player.user.Username)
				return
			}
			sent.Add(1)
			// Small sleep to prevent instant localhost bottleneck (simulate real network)
			time.Sleep(10 * time.Millisecond)
		}
	}()

	// The host must name a receiver, so it replies over REST.
	go func() {
		defer wg.Done()
		for i := 0; i < msgCount; i++ {
			_, err := host.api.SendMessage(ctx, ev.ID, protocol.SendRequest{
				Content:     fmt.Sprintf("LoadTest Msg %d from %s", i, host.user.Username),
				ReceiverID:  player.user.ID,
				MessageType: protocol.MessageTypeText,
			})
			if errors.Is(err, restclient.ErrRateLimited) {
				time.Sleep(time.Second)
				continue
			}
			if err != nil {
				log.Warn("rest send failed", "user", host.user.Username, "err", err)
				return
			}
			sent.Add(1)
			time.Sleep(10 * time.Millisecond)
		}
	}()

	wg.Wait()
	log.Debug("pair finished")
	return nil
}

// authenticate registers (ignoring an existing account) and logs in.
func authenticate(ctx context.Context, cc config.ClientConfig, username string, log logger.Logger) (*participant, error) {
	const pass = "password123"
	api := restclient.New(cc.APIURL)

	_, err := api.Register(ctx, user.RegisterRequest{
		Username:    username,
		Password:    pass,
		DisplayName: username,
		Email:       username + "@loadtest.local",
	})
	var apiErr *restclient.APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.Status == 409) {
		return nil, fmt.Errorf("register %s: %w", username, err)
	}

	res, err := api.Login(ctx, username, pass)
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", username, err)
	}
	return &participant{
		api:  api,
		push: pushclient.New(cc.PushURL, res.AccessToken, pushclient.WithLogger(log)),
		user: res.User,
	}, nil
}

func count(ctx context.Context, c *pushclient.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.Frames():
			if f.Type == protocol.FrameNewMessage {
				received.Add(1)
			}
		}
	}
}

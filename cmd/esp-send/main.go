// Command esp-send sends canonical message files through a configured
// provider. Each file holds one JSON message; multiple files are sent with
// bounded concurrency.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/esp-gateway/internal/capability"
	"github.com/example/esp-gateway/internal/config"
	"github.com/example/esp-gateway/internal/esp"
	"github.com/example/esp-gateway/internal/logger"
	"github.com/example/esp-gateway/internal/models"
)

const defaultConcurrency = 4

func main() {
	espName := flag.String("esp", "", "provider to send through (mailgun, postmark, mandrill, amazon-ses)")
	concurrency := flag.Int("concurrency", defaultConcurrency, "max in-flight sends")
	flag.Parse()

	if *espName == "" || flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: esp-send -esp <provider> [-concurrency n] message.json [message.json ...]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}
	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "esp-send").Logger()

	registry := capability.New()
	clients, closeAll, err := esp.BuildClients(ctx, cfg, registry, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build providers")
	}
	defer closeAll()

	client, err := esp.SelectClient(clients, *espName)
	if err != nil {
		log.Fatal().Err(err).Msg("provider selection failed")
	}

	sem := semaphore.NewWeighted(int64(*concurrency))
	failures := 0
	results := make(chan bool)
	files := flag.Args()

	for _, path := range files {
		go func(path string) {
			ok := false
			defer func() { results <- ok }()
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)
			ok = sendFile(ctx, client, path, log)
		}(path)
	}
	for range files {
		if !<-results {
			failures++
		}
	}

	if failures > 0 {
		log.Error().Int("failures", failures).Int("total", len(files)).Msg("some sends failed")
		os.Exit(1)
	}
	log.Info().Int("total", len(files)).Msg("all sends completed")
}

func sendFile(ctx context.Context, client *esp.Client, path string, log zerolog.Logger) bool {
	sendLog := log.With().Str("file", path).Str("send_id", uuid.NewString()).Logger()

	msg, err := loadMessage(path)
	if err != nil {
		sendLog.Error().Err(err).Msg("message load failed")
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	status, err := client.Send(sendCtx, msg)
	if err != nil {
		sendLog.Error().Err(err).Msg("send failed")
		return false
	}
	sendLog.Info().
		Strs("message_ids", status.MessageIDs()).
		Int("recipients", len(status.Recipients)).
		Msg("send completed")
	return true
}

// messageFile is the on-disk JSON shape: addresses as RFC 5322 strings.
type messageFile struct {
	From     string   `json:"from"`
	To       []string `json:"to"`
	CC       []string `json:"cc"`
	BCC      []string `json:"bcc"`
	ReplyTo  []string `json:"reply_to"`
	Subject  string   `json:"subject"`
	TextBody string   `json:"text_body"`
	HTMLBody string   `json:"html_body"`

	Metadata    map[string]any            `json:"metadata"`
	Tags        []string                  `json:"tags"`
	TrackOpens  *bool                     `json:"track_opens"`
	TrackClicks *bool                     `json:"track_clicks"`
	SendAt      *time.Time                `json:"send_at"`
	TemplateID  string                    `json:"template_id"`
	MergeData   map[string]map[string]any `json:"merge_data"`
	MergeGlobal map[string]any            `json:"merge_global_data"`
	Headers     map[string]string         `json:"extra_headers"`
	ESPExtra    map[string]any            `json:"esp_extra"`
}

func loadMessage(path string) (*models.Message, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file messageFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	msg := &models.Message{
		Subject:         file.Subject,
		TextBody:        file.TextBody,
		HTMLBody:        file.HTMLBody,
		Metadata:        file.Metadata,
		Tags:            file.Tags,
		TrackOpens:      file.TrackOpens,
		TrackClicks:     file.TrackClicks,
		SendAt:          file.SendAt,
		TemplateID:      file.TemplateID,
		MergeData:       file.MergeData,
		MergeGlobalData: file.MergeGlobal,
		ExtraHeaders:    models.NewHeaders(file.Headers),
		ESPExtra:        file.ESPExtra,
	}
	if msg.From, err = models.ParseAddress(file.From); err != nil {
		return nil, err
	}
	if msg.To, err = parseAll(file.To); err != nil {
		return nil, err
	}
	if msg.CC, err = parseAll(file.CC); err != nil {
		return nil, err
	}
	if msg.BCC, err = parseAll(file.BCC); err != nil {
		return nil, err
	}
	if msg.ReplyTo, err = parseAll(file.ReplyTo); err != nil {
		return nil, err
	}
	return msg, nil
}

func parseAll(values []string) ([]models.EmailAddress, error) {
	out := make([]models.EmailAddress, 0, len(values))
	for _, value := range values {
		addr, err := models.ParseAddress(value)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("esp-send init failed")
}

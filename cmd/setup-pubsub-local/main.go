package main

import (
	"context"
	"os"
	"time"

	"coachapi/internal/config"
	"coachapi/internal/logger"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// Creates the account events topic and a pull subscription on the local
// Pub/Sub emulator. Existing resources are left alone.
func main() {
	logger := logger.New()

	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Failed to load config: %v", err)
	}

	emulatorHost := os.Getenv("PUBSUB_EMULATOR_HOST")
	if emulatorHost == "" {
		logger.Fatal().Msg("PUBSUB_EMULATOR_HOST must be set for local environment.")
	}
	if cfg.GCPProjectID == "" || cfg.PubSubAccountEventTopic == "" {
		logger.Fatal().Msg("GCP_PROJECT_ID and PUBSUB_ACCOUNT_EVENTS_TOPIC must be set.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, cfg.GCPProjectID,
		option.WithEndpoint(emulatorHost),
		option.WithoutAuthentication(),
	)
	if err != nil {
		logger.Fatal().Msgf("Failed to create Pub/Sub client: %v", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error().Msgf("Failed to close pubsub client: %v", err)
		}
	}()

	topicID := cfg.PubSubAccountEventTopic
	dlqTopic := ensureTopic(ctx, client, logger, topicID+"-dlq")
	topic := ensureTopic(ctx, client, logger, topicID)

	ensureSubscription(ctx, client, logger, topicID+"-sub", pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 60 * time.Second,
		RetryPolicy: &pubsub.RetryPolicy{
			MinimumBackoff: 10 * time.Second,
			MaximumBackoff: 600 * time.Second,
		},
		DeadLetterPolicy: &pubsub.DeadLetterPolicy{
			DeadLetterTopic:     dlqTopic.String(),
			MaxDeliveryAttempts: 5,
		},
	})
	ensureSubscription(ctx, client, logger, topicID+"-dlq-sub", pubsub.SubscriptionConfig{
		Topic:       dlqTopic,
		AckDeadline: 60 * time.Second,
	})

	logger.Info().Msg("Pub/Sub setup for local environment complete.")
}

func ensureTopic(ctx context.Context, client *pubsub.Client, logger zerolog.Logger, topicID string) *pubsub.Topic {
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		logger.Fatal().Msgf("Failed to check if topic %s exists: %v", topicID, err)
	}
	if exists {
		logger.Info().Msgf("Topic %s already exists.", topicID)
		return topic
	}
	logger.Info().Msgf("Creating topic: %s", topicID)
	topic, err = client.CreateTopic(ctx, topicID)
	if err != nil {
		logger.Fatal().Msgf("Failed to create topic %s: %v", topicID, err)
	}
	return topic
}

func ensureSubscription(ctx context.Context, client *pubsub.Client, logger zerolog.Logger, subID string, config pubsub.SubscriptionConfig) {
	exists, err := client.Subscription(subID).Exists(ctx)
	if err != nil {
		logger.Fatal().Msgf("Failed to check if subscription %s exists: %v", subID, err)
	}
	if exists {
		logger.Info().Msgf("Subscription %s already exists.", subID)
		return
	}
	logger.Info().Msgf("Creating subscription %s", subID)
	if _, err := client.CreateSubscription(ctx, subID, config); err != nil {
		logger.Fatal().Msgf("Failed to create subscription '%s': %v", subID, err)
	}
}

package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"persona-sms/handler"
	"persona-sms/internal/config"
	"persona-sms/internal/integrations/openai"
	"persona-sms/internal/integrations/paramstore"
	"persona-sms/internal/integrations/sms"
	"persona-sms/internal/lock"
	"persona-sms/internal/persona"
	"persona-sms/internal/repository"
	"persona-sms/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	personas, err := persona.Default()
	if err != nil {
		slog.Error("failed to load persona table", "err", err)
		os.Exit(1)
	}

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	eventLog, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.EventLogTable)
	if err != nil {
		slog.Error("failed to create event log client", "err", err)
		os.Exit(1)
	}

	openaiClient, err := openai.NewClient(ssmClient, cfg.ParamPrefix, openai.WithBaseURL(cfg.OpenAIBaseURL))
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}
	smsClient, err := sms.NewClient(ssmClient, cfg.ParamPrefix)
	if err != nil {
		slog.Error("failed to create SMS client", "err", err)
		os.Exit(1)
	}

	var locker usecase.Locker = lock.Noop{}
	if cfg.RedisAddr != "" {
		rdb, err := lock.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("failed to connect to redis", "addr", cfg.RedisAddr, "err", err)
			os.Exit(1)
		}
		redisLocker, err := lock.NewRedisLocker(rdb, lock.Options{TTL: cfg.LockTTL, Wait: cfg.LockWait})
		if err != nil {
			slog.Error("failed to create conversation lock", "err", err)
			os.Exit(1)
		}
		locker = redisLocker
	} else {
		slog.Warn("REDIS_ADDR not set; concurrent messages from one sender are not serialised")
	}

	// ---- Handler ----
	respondService, err := usecase.NewRespondService(usecase.Dependencies{
		Params:   ssmClient,
		LLM:      openaiClient,
		Log:      eventLog,
		Sender:   smsClient,
		Locker:   locker,
		Personas: personas,
	}, cfg.ParamPrefix, usecase.Settings{
		MaxHistory:     cfg.MaxHistory,
		HistoryWait:    cfg.HistoryWait,
		MaxTokens:      cfg.MaxOutputTokens,
		SegmentDelay:   cfg.SegmentDelay,
		ClearKeyword:   cfg.ClearKeyword,
		DeliveryReport: cfg.DeliveryReport,
		Tag:            cfg.SMSTag,
	})
	if err != nil {
		slog.Error("failed to create respond service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(respondService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

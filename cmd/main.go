package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	_ "github.com/lib/pq"

	"retention-agent/handler"
	"retention-agent/internal/agent"
	"retention-agent/internal/commandbus"
	"retention-agent/internal/conversation"
	"retention-agent/internal/domain"
	"retention-agent/internal/governor"
	"retention-agent/internal/integrations/mailer"
	"retention-agent/internal/integrations/openai"
	"retention-agent/internal/integrations/paramstore"
	"retention-agent/internal/integrations/tickets"
	"retention-agent/internal/repository"
	"retention-agent/internal/usecase"
)

func main() {
	ctx := context.Background()
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	emailBaseURL := mustEnv("EMAIL_API_BASE_URL")
	ticketsBaseURL := mustEnv("TICKETS_API_BASE_URL")
	commandStore := envString("COMMAND_STORE", "dynamodb")
	openaiModel := envString("OPENAI_MODEL", "gpt-4o-mini")
	centsPerKTokens := envFloat("OPENAI_CENTS_PER_1K_TOKENS", 0.06)
	maxBatch := envInt("MAX_BATCH", 25)
	sendRate := envFloat("SEND_RATE_PER_SECOND", 5)

	busCfg := commandbus.Config{
		MaxAttempts: envInt("MAX_ATTEMPTS", 3),
		Lease:       envDuration("COMMAND_LEASE", 5*time.Minute),
		ExecTimeout: envDuration("EXEC_TIMEOUT", 20*time.Second),
	}
	policy := governor.DefaultPolicy()
	policy.DailySendCap = envInt("DAILY_SEND_CAP", policy.DailySendCap)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		fatal("failed to create SSM client", err)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		fatal("failed to create state client", err)
	}

	var commands commandbus.Store = stateClient
	if commandStore == "postgres" {
		dsn, err := paramstore.Secret(ctx, ssmClient, paramPrefix+"/postgres_dsn")
		if err != nil {
			fatal("failed to load postgres dsn", err)
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			fatal("failed to open postgres", err)
		}
		db.SetMaxOpenConns(4)
		db.SetConnMaxIdleTime(time.Minute)
		pg, err := repository.NewPostgresCommandStore(db)
		if err != nil {
			fatal("failed to create postgres command store", err)
		}
		commands = pg
	}

	openaiClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		fatal("failed to create OpenAI client", err)
	}
	mailClient, err := mailer.NewClient(emailBaseURL, ssmClient, paramPrefix+"/email-api-token",
		mailer.WithRateLimit(sendRate, int(sendRate)+1))
	if err != nil {
		fatal("failed to create mailer client", err)
	}
	ticketClient, err := tickets.NewClient(ticketsBaseURL, ssmClient, paramPrefix+"/tickets-api-token")
	if err != nil {
		fatal("failed to create tickets client", err)
	}

	// ---- Command bus ----
	emailExec, err := commandbus.NewSendEmailExecutor(stateClient, mailClient, log)
	if err != nil {
		fatal("failed to create email executor", err)
	}
	ticketExec, err := commandbus.NewTicketRemediationExecutor(stateClient, ticketClient, policy, log)
	if err != nil {
		fatal("failed to create ticket executor", err)
	}
	registry, err := commandbus.NewRegistry(emailExec, ticketExec)
	if err != nil {
		fatal("failed to build executor registry", err)
	}
	if err := registry.Require(domain.CommandKinds()...); err != nil {
		fatal("executor registry incomplete", err)
	}
	bus, err := commandbus.NewBus(commands, registry, busCfg, log)
	if err != nil {
		fatal("failed to create command bus", err)
	}

	// ---- Conversations ----
	router, err := conversation.NewRouter(stateClient, log)
	if err != nil {
		fatal("failed to create router", err)
	}
	roleLoader, err := conversation.NewParamStoreRoles(ssmClient, paramPrefix, conversation.BuiltinRoles())
	if err != nil {
		fatal("failed to create role loader", err)
	}
	runner, err := agent.NewOpenAIRunner(openaiClient, openaiModel, centsPerKTokens, log)
	if err != nil {
		fatal("failed to create session runner", err)
	}
	handoffs, err := conversation.NewHandoffs(stateClient, conversation.NewRoleCache(roleLoader), runner, log)
	if err != nil {
		fatal("failed to create handoffs", err)
	}

	// ---- Governor ----
	deps := governor.Deps{
		Tasks:         stateClient,
		Ledger:        stateClient,
		Accounts:      stateClient,
		Conversations: router,
		Bus:           bus,
	}
	autopilot, err := governor.NewAutopilot(policy, deps, maxBatch, log)
	if err != nil {
		fatal("failed to create autopilot", err)
	}
	sequencer, err := governor.NewSequencer(policy, deps, maxBatch, log)
	if err != nil {
		fatal("failed to create sequencer", err)
	}
	replies, err := governor.NewReplies(stateClient, log)
	if err != nil {
		fatal("failed to create reply handler", err)
	}

	// ---- Handler ----
	intakeService, err := usecase.NewIntakeService(stateClient, router, replies, log)
	if err != nil {
		fatal("failed to create intake service", err)
	}
	drainService, err := usecase.NewDrainService(ssmClient, paramPrefix, autopilot, sequencer, bus, maxBatch, log)
	if err != nil {
		fatal("failed to create drain service", err)
	}
	remediationService, err := usecase.NewRemediationService(stateClient, stateClient, bus, policy)
	if err != nil {
		fatal("failed to create remediation service", err)
	}
	handoffService, err := usecase.NewHandoffService(handoffs)
	if err != nil {
		fatal("failed to create handoff service", err)
	}

	h, err := handler.NewHandler(intakeService, drainService, remediationService, handoffService, log)
	if err != nil {
		fatal("failed to create handler", err)
	}

	lambda.Start(h.Handle)
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

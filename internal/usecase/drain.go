package usecase

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"retention-agent/internal/commandbus"
	"retention-agent/internal/governor"
	"retention-agent/internal/integrations/paramstore"
)

const defaultDrainBatch = 25

type GovernedPass interface {
	Run(ctx context.Context, now time.Time) (governor.Report, error)
}

type CommandProcessor interface {
	ProcessNext(ctx context.Context, maxBatch int) (commandbus.Result, error)
}

type DrainOutput struct {
	Processed     int
	Failed        int
	AutopilotSent int
	FollowUpsSent int
	OK            bool
}

// DrainService runs one periodic pass: autopilot first touches, drip
// follow-ups, then the command bus.
type DrainService struct {
	params      paramstore.Getter
	secretParam string
	autopilot   GovernedPass
	sequencer   GovernedPass
	bus         CommandProcessor
	maxBatch    int
	now         func() time.Time
	log         *slog.Logger

	cacheMu     sync.RWMutex
	cacheLoaded bool
	secret      string
}

func NewDrainService(params paramstore.Getter, paramPrefix string, autopilot, sequencer GovernedPass, bus CommandProcessor, maxBatch int, log *slog.Logger) (*DrainService, error) {
	if params == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if autopilot == nil || sequencer == nil {
		return nil, errors.New("usecase: autopilot and sequencer must not be nil")
	}
	if bus == nil {
		return nil, errors.New("usecase: command bus must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if maxBatch <= 0 {
		maxBatch = defaultDrainBatch
	}
	if log == nil {
		log = slog.Default()
	}
	return &DrainService{
		params:      params,
		secretParam: paramPrefix + "/cron_secret",
		autopilot:   autopilot,
		sequencer:   sequencer,
		bus:         bus,
		maxBatch:    maxBatch,
		now:         time.Now,
		log:         log.With(slog.String("component", "drain")),
	}, nil
}

// Authorize checks the bearer token of a drain trigger against the shared
// secret.
func (s *DrainService) Authorize(ctx context.Context, token string) error {
	secret, err := s.ensureSecret(ctx)
	if err != nil {
		return newError(ErrorInternal, "ssm_load_error", err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return newError(ErrorUnauthorized, "missing_token", nil)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		return newError(ErrorUnauthorized, "invalid_token", nil)
	}
	return nil
}

func (s *DrainService) ensureSecret(ctx context.Context) (string, error) {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		secret := s.secret
		s.cacheMu.RUnlock()
		return secret, nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return s.secret, nil
	}
	secret, err := paramstore.Secret(ctx, s.params, s.secretParam)
	if err != nil {
		return "", fmt.Errorf("usecase: load cron secret: %w", err)
	}
	s.secret = secret
	s.cacheLoaded = true
	return secret, nil
}

// Drain runs every stage even when an earlier one fails; failures clear OK
// but are not returned, so a partial pass still reports what it did.
func (s *DrainService) Drain(ctx context.Context) DrainOutput {
	out := DrainOutput{OK: true}
	now := s.now()

	rep, err := s.autopilot.Run(ctx, now)
	out.AutopilotSent = rep.Sent
	if err != nil {
		out.OK = false
		s.log.Error("autopilot pass failed", slog.Any("error", err))
	}

	rep, err = s.sequencer.Run(ctx, now)
	out.FollowUpsSent = rep.Sent
	if err != nil {
		out.OK = false
		s.log.Error("sequencer pass failed", slog.Any("error", err))
	}

	res, err := s.bus.ProcessNext(ctx, s.maxBatch)
	out.Processed = res.Processed
	out.Failed = res.Failed
	if err != nil {
		out.OK = false
		s.log.Error("command bus pass failed", slog.Any("error", err))
	}

	s.log.Info("drain complete",
		slog.Int("processed", out.Processed),
		slog.Int("failed", out.Failed),
		slog.Int("autopilot_sent", out.AutopilotSent),
		slog.Int("follow_ups_sent", out.FollowUpsSent),
		slog.Bool("ok", out.OK))
	return out
}

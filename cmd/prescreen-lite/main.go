// Package main provides the standalone console for trial prescreening.
// This version requires no external databases - uses in-memory state and SQLite.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/trial-prescreen-server/internal/config"
	"github.com/trial-prescreen-server/internal/domain"
	"github.com/trial-prescreen-server/internal/handoff"
	"github.com/trial-prescreen-server/internal/prescreen"
	"github.com/trial-prescreen-server/internal/repository"
	"github.com/trial-prescreen-server/internal/service"
	"github.com/trial-prescreen-server/internal/sessionstore"
	"github.com/trial-prescreen-server/internal/setup"
	"github.com/trial-prescreen-server/pkg/external"
)

func main() {
	_ = godotenv.Load()

	// Load lightweight configuration
	cfg := config.LoadLiteConfig()

	// Check for setup subcommand
	if len(os.Args) > 1 && os.Args[1] == "setup" {
		cli := setup.NewCLI(cfg, os.Stdin, os.Stdout)
		if err := cli.Run(os.Args[2:]); err != nil {
			log.Fatalf("Setup failed: %v", err)
		}
		return
	}

	logger := config.NewLogger(domain.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: "stderr"})
	if err := cfg.EnsureDataDir(); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	fileStore, err := repository.LoadCriteriaFile(cfg.CriteriaPath(), logger)
	if err != nil {
		log.Fatalf("Failed to load criteria (run `prescreen-lite setup init` for a sample): %v", err)
	}

	sessions, err := sessionstore.NewSQLiteStore(cfg.SessionDBPath(), logger)
	if err != nil {
		log.Fatalf("Failed to open session store: %v", err)
	}
	defer sessions.Close()

	var nl domain.NLService
	if cfg.NLEnabled() {
		nlCfg := domain.NLServiceConfig{
			Enabled:         true,
			BaseURL:         cfg.NLBaseURL,
			APIKey:          cfg.NLAPIKey,
			Model:           cfg.NLModel,
			ChatTimeout:     cfg.TurnTimeout / 2,
			MaxRetries:      2,
			BreakerRequests: 1,
		}
		nl = external.NewResilientNLClient(external.NewOpenAIClient(nlCfg, logger), nlCfg, logger)
	}

	prescreening := cfg.Prescreening()
	engine, err := prescreen.NewEngine(prescreen.Dependencies{
		Criteria:   repository.NewCachedCriterionStore(fileStore, cfg.CacheMaxItems, cfg.CacheTTL, logger),
		Sessions:   sessions,
		States:     prescreen.NewMemoryStateStore(),
		Locker:     prescreen.NewLocalTurnLocker(),
		Contact:    handoff.NewContactCollector(handoff.NewMemoryContactRecorder(), logger),
		FollowUps:  handoff.NewLogFollowUpSink(logger),
		Generator:  service.NewQuestionGenerator(logger, cfg.CacheMaxItems),
		Validator:  service.NewResponseValidator(logger, service.NewEntityExtractor(nl, logger, cfg.TurnTimeout/2)),
		Judge:      service.NewCriterionJudge(logger, nl, cfg.TurnTimeout/2),
		Aggregator: service.NewEligibilityAggregator(logger, prescreening.PotentialRatio),
	}, prescreening, logger)
	if err != nil {
		log.Fatalf("Failed to build prescreening engine: %v", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		cancel()
	}()

	in := bufio.NewReader(os.Stdin)
	trialID := ""
	if len(os.Args) > 1 {
		trialID = os.Args[1]
	} else {
		fmt.Printf("Available studies: %s\n", strings.Join(fileStore.TrialIDs(), ", "))
		fmt.Print("Study ID: ")
		line, err := in.ReadString('\n')
		if err != nil {
			return
		}
		trialID = strings.TrimSpace(line)
	}

	if err := converse(ctx, engine, trialID, in, os.Stdout, logger); err != nil {
		log.Fatalf("Prescreening failed: %v", err)
	}
}

// converse runs one console conversation until it ends, input closes or ctx
// is cancelled.
func converse(ctx context.Context, engine *prescreen.Engine, trialID string, in *bufio.Reader, out io.Writer, logger *logrus.Logger) error {
	sessionID := uuid.NewString()
	logger.WithFields(logrus.Fields{"session_id": sessionID, "trial_id": trialID}).Debug("Console session started")

	reply, err := engine.Start(ctx, sessionID, trialID, "")
	if reply != nil {
		fmt.Fprintf(out, "\n%s\n", reply.Message)
	}
	if err != nil && reply == nil {
		return err
	}

	for ctx.Err() == nil {
		if reply != nil && reply.State == domain.StateTerminal {
			return nil
		}
		fmt.Fprint(out, "> ")
		line, err := in.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		msg := strings.TrimSpace(line)
		if msg == "" {
			continue
		}

		reply, err = engine.HandleMessage(ctx, sessionID, msg)
		if reply != nil {
			fmt.Fprintf(out, "\n%s\n", reply.Message)
		}
		if err != nil {
			logger.WithError(err).WithField("code", domain.ErrorCode(err)).Debug("Turn returned an error")
			if reply == nil {
				fmt.Fprintf(out, "\n%s\n", domain.UserMessage(err))
			}
		}
	}
	return nil
}

// Command agent runs on the robot: it publishes telemetry streams over the
// broker and executes control commands.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fairyhunter13/tonypi-fleet/internal/adapter/broker/mqtt"
	"github.com/fairyhunter13/tonypi-fleet/internal/adapter/observability"
	"github.com/fairyhunter13/tonypi-fleet/internal/agent"
	"github.com/fairyhunter13/tonypi-fleet/internal/config"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupAgentLogger(cfg.RobotID)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	will, err := agent.OfflineWill(cfg)
	if err != nil {
		slog.Error("will payload build failed", slog.Any("error", err))
		os.Exit(1)
	}

	broker := mqtt.NewClient(mqtt.Options{
		URL:            cfg.BrokerURL,
		Username:       cfg.BrokerUsername,
		Password:       cfg.BrokerPassword,
		ClientID:       "tonypi-agent-" + cfg.RobotID,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		JitterFrac:     cfg.BackoffJitterFrac,
		OutboundBuffer: cfg.OutboundQueueSize,
		Will:           will,
	}, logger)

	// Shutdown command stops the process the same way a signal does.
	a := agent.New(cfg, agent.Capabilities{}, broker, cancel, logger)
	a.Register(broker)

	var wg sync.WaitGroup
	brokerErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		brokerErr <- broker.Run(ctx)
	}()

	sched := agent.NewScheduler(a.Tasks(), logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-broker.Ready()
		slog.Info("agent telemetry starting",
			slog.String("robot_id", cfg.RobotID), slog.String("broker", cfg.BrokerURL))
		sched.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case <-ctx.Done():
		slog.Info("shutdown command received")
	case err := <-brokerErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("broker loop exited", slog.Any("error", err))
		}
	}

	cancel()
	wg.Wait()
}

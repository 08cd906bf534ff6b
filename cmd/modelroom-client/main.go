package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/client"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/events"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/protocol"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/transport"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/workspace"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serverURL   string
	token       string
	workspaceID string
	userID      string
	displayName string
	modelID     string
	strategy    string
	logLevel    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "modelroom-client",
		Short: "Headless modelroom collaboration client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd)
		},
	}

	rootCmd.Flags().StringVar(&serverURL, "server-url", "ws://localhost:8080/collab/ws", "Collaboration websocket URL")
	rootCmd.Flags().StringVar(&token, "token", "", "Bearer token for the auth handshake")
	rootCmd.Flags().StringVar(&workspaceID, "workspace", "", "Workspace to join")
	rootCmd.Flags().StringVar(&userID, "user", "", "User identifier")
	rootCmd.Flags().StringVar(&displayName, "display-name", "", "Display name shown to collaborators")
	rootCmd.Flags().StringVar(&modelID, "model", "", "Model to sync on connect")
	rootCmd.Flags().StringVar(&strategy, "conflict-strategy", string(collab.StrategyLastWriterWins), "Conflict strategy (last_writer_wins, merge_changes, user_priority, manual_resolution)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runClient(cmd *cobra.Command) error {
	logger, err := logging.NewLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	conflictStrategy, err := collab.ParseConflictStrategy(strategy)
	if err != nil {
		return err
	}

	bus := events.NewBus(logger)
	bus.Subscribe(events.EventConnectionStatus, func(payload any) {
		if change, ok := payload.(transport.StatusChange); ok {
			logger.Info("connection status",
				zap.String("state", string(change.State)),
				zap.Int("attempt", change.Attempt),
				zap.String("reason", change.Reason))
		}
	})
	bus.Subscribe(events.EventConflictDetected, func(payload any) {
		if record, ok := payload.(collab.ConflictRecord); ok {
			logger.Warn("conflict detected",
				zap.String("strategy", string(record.Strategy)),
				zap.String("decision", string(record.Decision)),
				zap.String("target", record.Remote.TargetID))
		}
	})

	session, err := client.NewSession(client.SessionConfig{
		ServerURL:    serverURL,
		Token:        token,
		WorkspaceID:  workspaceID,
		UserID:       userID,
		DisplayName:  displayName,
		Capabilities: workspace.Capabilities{CanEdit: true, CanComment: true, CanShare: true},
		Strategy:     conflictStrategy,
		Bus:          bus,
		Logger:       logger,
		OnSyncState: func(state protocol.SyncStatePayload) {
			logger.Info("model state synced",
				zap.String("model_id", state.ModelID),
				zap.Int64("version", state.Version))
		},
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := session.Start(signalCtx); err != nil {
		return err
	}
	if modelID != "" {
		session.RequestSync(modelID)
	}

	<-signalCtx.Done()
	session.Stop()
	return nil
}

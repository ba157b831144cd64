/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"fathom/pkg/api"
	"fathom/pkg/config"
	"fathom/pkg/logger"
	"fathom/pkg/session"
	"fathom/pkg/ui/chat"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var chatSessionID string

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive analysis console",
	Long:  "Loads Fathom configuration, connects to the analysis backend, and opens the full-screen chat console with live progress streaming.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.chat")

		client, err := api.New(cfg)
		if err != nil {
			fmt.Printf("failed to initialize backend client: %v\n", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := client.Health(runCtx); err != nil {
			fmt.Printf("backend health check failed: %v\n", err)
			return
		}

		manager := session.NewManager(runCtx, cfg, client, log)
		defer manager.Close()

		orch, err := manager.Open(resolveSessionID(chatSessionID))
		if err != nil {
			log.Error("Failed to open session", "error", err)
			fmt.Printf("failed to open session: %v\n", err)
			return
		}

		if err := chat.RunInteractive(runCtx, orch); err != nil {
			log.Error("Chat console failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&chatSessionID, "session", "s", "", "session id to resume (default: new session)")
}

func resolveSessionID(flag string) string {
	if value := strings.TrimSpace(flag); value != "" {
		return value
	}

	return uuid.NewString()
}

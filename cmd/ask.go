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

	"github.com/spf13/cobra"
)

var (
	askSessionID string
	askText      string
)

// askCmd represents the ask command
var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Submit one question and print the finished analysis",
	Long:  "Submits a single question to the analysis backend, waits for the result over the push connection, prints it, and exits.",
	Run: func(cmd *cobra.Command, args []string) {
		question := resolveQuestion(args)
		if question == "" {
			fmt.Println("nothing to ask: pass a question as arguments or with --question")
			return
		}

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
		log := slog.Default().With("component", "cmd.ask")

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

		orch, err := manager.Open(resolveSessionID(askSessionID))
		if err != nil {
			fmt.Printf("failed to open session: %v\n", err)
			return
		}

		if err := chat.RunOneShot(runCtx, orch, question); err != nil {
			log.Error("One-shot ask failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVarP(&askSessionID, "session", "s", "", "session id to resume (default: new session)")
	askCmd.Flags().StringVarP(&askText, "question", "q", "", "question text to submit")
}

func resolveQuestion(args []string) string {
	if value := strings.TrimSpace(askText); value != "" {
		return value
	}

	if len(args) == 0 {
		return ""
	}

	return strings.TrimSpace(strings.Join(args, " "))
}

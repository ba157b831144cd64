/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"fathom/pkg/api"
	"fathom/pkg/config"
	"fathom/pkg/export"
	"fathom/pkg/logger"
	"fathom/pkg/transcript"

	"github.com/spf13/cobra"
)

var (
	exportSessionID string
	exportDir       string
)

// exportCmd represents the export command
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a session transcript to a markdown file",
	Long:  "Fetches the full message history of a session from the analysis backend and writes it as a markdown file under the export directory.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		sessionID := strings.TrimSpace(exportSessionID)
		if sessionID == "" {
			fmt.Println("nothing to export: pass a session id with --session")
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

		client, err := api.New(cfg)
		if err != nil {
			fmt.Printf("failed to initialize backend client: %v\n", err)
			return
		}

		ctx := context.Background()
		messages, err := fetchFullHistory(ctx, client, sessionID, cfg.Pager.PageSize)
		if err != nil {
			fmt.Printf("failed to fetch history: %v\n", err)
			return
		}
		if len(messages) == 0 {
			fmt.Printf("session %s has no messages\n", sessionID)
			return
		}

		guard, err := export.NewGuard(exportDir)
		if err != nil {
			fmt.Printf("failed to prepare export directory: %v\n", err)
			return
		}

		path, err := export.WriteTranscript(guard, sessionID, messages)
		if err != nil {
			fmt.Printf("failed to write transcript: %v\n", err)
			return
		}

		fmt.Printf("exported %d messages to %s\n", len(messages), path)
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&exportSessionID, "session", "s", "", "session id to export")
	exportCmd.Flags().StringVarP(&exportDir, "dir", "d", "", "export directory (default: ~/.fathom/exports)")
}

// fetchFullHistory walks the history window from the latest page back to
// offset zero and returns the messages in chronological order.
func fetchFullHistory(ctx context.Context, client *api.Client, sessionID string, pageSize int) ([]transcript.Message, error) {
	if pageSize <= 0 {
		pageSize = 50
	}

	page, err := client.ListMessages(ctx, sessionID, -1, pageSize)
	if err != nil {
		return nil, err
	}

	messages := page.Messages
	offset := page.Offset
	for offset > 0 {
		limit := pageSize
		if limit > offset {
			limit = offset
		}
		offset -= limit

		older, err := client.ListMessages(ctx, sessionID, offset, limit)
		if err != nil {
			return nil, err
		}
		if len(older.Messages) == 0 {
			break
		}
		messages = append(older.Messages, messages...)
	}

	return messages, nil
}

package export

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"fathom/pkg/transcript"
)

// WriteTranscript renders a conversation to markdown and writes it under the
// export root. It returns the absolute path of the written file.
func WriteTranscript(guard *Guard, sessionID string, messages []transcript.Message) (string, error) {
	name := fmt.Sprintf("fathom-%s-%s.md", sanitizeName(sessionID), time.Now().UTC().Format("20060102-150405"))
	path, err := guard.ResolvePath(name)
	if err != nil {
		return "", err
	}

	content := RenderMarkdown(sessionID, messages)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write transcript: %w", err)
	}

	return path, nil
}

// RenderMarkdown formats a conversation as a markdown document: one section
// per message, analysis payloads fenced as JSON.
func RenderMarkdown(sessionID string, messages []transcript.Message) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Fathom session %s\n\n", sessionID)
	fmt.Fprintf(&b, "Exported %s · %d messages\n", time.Now().UTC().Format(time.RFC3339), len(messages))

	for _, msg := range messages {
		b.WriteString("\n---\n\n")
		fmt.Fprintf(&b, "## %s\n\n", headingFor(msg))

		if content := strings.TrimSpace(msg.Content); content != "" {
			b.WriteString(content)
			b.WriteString("\n")
		}

		if pretty := prettyPayload(msg.Payload); pretty != "" {
			b.WriteString("\n```json\n")
			b.WriteString(pretty)
			b.WriteString("\n```\n")
		}
	}

	return b.String()
}

func headingFor(msg transcript.Message) string {
	label := "Fathom"
	if msg.Role == transcript.RoleUser {
		label = "You"
	}

	switch {
	case msg.Status == transcript.StatusFailed:
		return label + " (failed)"
	case msg.Status.InFlight():
		return label + " (in progress)"
	case msg.Kind == transcript.KindClarification:
		return label + " (question)"
	default:
		return label
	}
}

func prettyPayload(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}

	var buf strings.Builder
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return ""
	}

	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(decoded); err != nil {
		return ""
	}

	return strings.TrimRight(buf.String(), "\n")
}

func sanitizeName(value string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, value)

	mapped = strings.Trim(mapped, "-")
	if mapped == "" {
		return "session"
	}

	return mapped
}

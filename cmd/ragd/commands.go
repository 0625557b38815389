package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/ragd/internal/config"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest documents into a source",
	Long: `Ingest documents into a registered source.

Examples:
  ragd ingest --source notes --file ./design.md
  ragd ingest --source notes --file ./report.pdf --id q3-report
  ragd ingest --source web --url https://example.com/article
  ragd ingest --source notes --text "Meeting moved to Thursday" --id meeting-note`,
	RunE: func(cmd *cobra.Command, args []string) error {
		src, _ := cmd.Flags().GetString("source")
		text, _ := cmd.Flags().GetString("text")
		url, _ := cmd.Flags().GetString("url")
		files, _ := cmd.Flags().GetStringSlice("file")
		id, _ := cmd.Flags().GetString("id")

		if src == "" {
			return fmt.Errorf("--source is required")
		}
		if text == "" && url == "" && len(files) == 0 {
			return fmt.Errorf("one of --text, --url, or --file is required")
		}
		if len(files) > 1 && id != "" {
			return fmt.Errorf("--id cannot be combined with multiple --file flags")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		submit := func(req map[string]any) error {
			resp, err := client.post(cmd.Context(), "/v1/ingest", req)
			if err != nil {
				return err
			}
			var result struct {
				Source     string `json:"source"`
				DocumentID string `json:"document_id"`
				Chunks     int    `json:"chunks"`
				Replaced   bool   `json:"replaced"`
			}
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			verb := "Ingested"
			if result.Replaced {
				verb = "Re-ingested"
			}
			printSuccess("%s %s into %s (%d chunks)", verb, result.DocumentID, result.Source, result.Chunks)
			return nil
		}

		switch {
		case text != "":
			return submit(map[string]any{"source": src, "id": id, "content": text})
		case url != "":
			return submit(map[string]any{"source": src, "id": id, "url": url})
		default:
			for _, file := range files {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("reading file: %w", err)
				}
				req := map[string]any{
					"source": src,
					"name":   filepath.Base(file),
					"id":     id,
				}
				if isBinaryFormat(file) {
					req["content"] = base64.StdEncoding.EncodeToString(data)
					req["encoding"] = "base64"
				} else {
					req["content"] = string(data)
				}
				if err := submit(req); err != nil {
					return fmt.Errorf("%s: %w", file, err)
				}
			}
			return nil
		}
	},
}

func isBinaryFormat(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}

func init() {
	ingestCmd.Flags().String("source", "", "target source name")
	ingestCmd.Flags().String("text", "", "text content to ingest")
	ingestCmd.Flags().String("url", "", "URL to fetch and ingest")
	ingestCmd.Flags().StringSlice("file", nil, "file path to ingest (repeatable)")
	ingestCmd.Flags().String("id", "", "document id (default: filename or URL)")
}

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Ask a question against the registered sources",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		sessionID, _ := cmd.Flags().GetString("session")
		sourcesStr, _ := cmd.Flags().GetString("sources")
		showTrace, _ := cmd.Flags().GetBool("trace")

		var sources []string
		if sourcesStr != "" {
			sources = strings.Split(sourcesStr, ",")
			for i := range sources {
				sources[i] = strings.TrimSpace(sources[i])
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/query", map[string]any{
			"session_id": sessionID,
			"query":      question,
			"sources":    sources,
		})
		if err != nil {
			return err
		}

		var result struct {
			SessionID string `json:"session_id"`
			Answer    string `json:"answer"`
			Citations []struct {
				Source     string `json:"source"`
				DocumentID string `json:"document_id"`
				Section    string `json:"section"`
				Page       int    `json:"page"`
			} `json:"citations"`
			Degraded []string `json:"degraded"`
			Trace    []struct {
				Node      string `json:"node"`
				Status    string `json:"status"`
				Error     string `json:"error"`
				LatencyMS int64  `json:"latency_ms"`
			} `json:"trace"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Answer)

		if len(result.Citations) > 0 {
			fmt.Println()
			fmt.Println(bold("Sources:"))
			for _, c := range result.Citations {
				loc := c.DocumentID
				if c.Section != "" {
					loc += " § " + c.Section
				}
				if c.Page > 0 {
					loc += fmt.Sprintf(" p.%d", c.Page)
				}
				fmt.Printf("  [%s] %s\n", cyan(c.Source), loc)
			}
		}
		if len(result.Degraded) > 0 {
			printWarning("degraded sources excluded from this answer: %s", strings.Join(result.Degraded, ", "))
		}
		if showTrace {
			fmt.Println()
			fmt.Println(bold("Trace:"))
			for _, t := range result.Trace {
				line := fmt.Sprintf("  %-18s %-8s %dms", t.Node, t.Status, t.LatencyMS)
				if t.Error != "" {
					line += "  " + t.Error
				}
				fmt.Println(line)
			}
		}

		printStatus("Session", "%s", result.SessionID)
		return nil
	},
}

func init() {
	queryCmd.Flags().String("session", "", "session id to continue a conversation")
	queryCmd.Flags().String("sources", "", "comma-separated source names for this turn")
	queryCmd.Flags().Bool("trace", false, "show per-node execution trace")
}

// --- sources ---

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage retrieval sources",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/sources")
		if err != nil {
			return err
		}

		var sources []struct {
			Name      string `json:"name"`
			Dimension int    `json:"dimension"`
			Priority  int    `json:"priority"`
			Chunks    int    `json:"chunks"`
		}
		if err := decodeJSON(resp, &sources); err != nil {
			return err
		}

		if len(sources) == 0 {
			fmt.Println("No sources registered.")
			return nil
		}
		for _, s := range sources {
			fmt.Printf("%s  dim=%d  priority=%d  chunks=%d\n",
				bold(s.Name), s.Dimension, s.Priority, s.Chunks)
		}
		return nil
	},
}

var sourcesAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a new source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dimension, _ := cmd.Flags().GetInt("dimension")
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")
		overlap, _ := cmd.Flags().GetInt("overlap-tokens")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/sources", map[string]any{
			"name":           args[0],
			"dimension":      dimension,
			"max_tokens":     maxTokens,
			"overlap_tokens": overlap,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Registered source %s", args[0])
		return nil
	},
}

var sourcesRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a source from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/v1/sources/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Removed source %s", args[0])
		return nil
	},
}

func init() {
	sourcesAddCmd.Flags().Int("dimension", 768, "embedding dimensionality for this source")
	sourcesAddCmd.Flags().Int("max-tokens", 0, "chunk token budget (0 = default)")
	sourcesAddCmd.Flags().Int("overlap-tokens", 0, "chunk overlap tokens (0 = default)")
	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesAddCmd)
	sourcesCmd.AddCommand(sourcesRemoveCmd)
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect conversation sessions",
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session's full turn history as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/sessions/"+args[0])
		if err != nil {
			return err
		}

		var sess any
		if err := decodeJSON(resp, &sess); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	},
}

var sessionsSourcesCmd = &cobra.Command{
	Use:   "sources <id> <name>...",
	Short: "Set a session's active sources",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.put(cmd.Context(), "/v1/sessions/"+args[0]+"/sources", map[string]any{
			"sources": args[1:],
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Session %s now uses sources: %s", args[0], strings.Join(args[1:], ", "))
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsSourcesCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", bold(k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}

		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

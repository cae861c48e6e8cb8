package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sandboxhaven/agentd/internal/config"
	"github.com/sandboxhaven/agentd/internal/storage"
	"github.com/sandboxhaven/agentd/internal/vectorstore"
)

// inspectCmd substitutes for the web-based inspection UI the spec marks
// out of scope: it reads the same on-disk collections and audit log the
// websocket bridge's request_db_collections/request_trace_log handlers
// serve, but from a terminal rather than a browser.
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Read a session's persisted state without starting the server",
}

var inspectCollectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "List every on-disk session collection",
	RunE:  runInspectCollections,
}

var inspectSessionCmd = &cobra.Command{
	Use:   "session <name>",
	Short: "Dump a session's turn and code records",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspectSession,
}

var inspectTraceCmd = &cobra.Command{
	Use:   "trace-log",
	Short: "Dump the server's audit log",
	RunE:  runInspectTraceLog,
}

func init() {
	inspectCmd.AddCommand(inspectCollectionsCmd)
	inspectCmd.AddCommand(inspectSessionCmd)
	inspectCmd.AddCommand(inspectTraceCmd)
}

func openInspectStore() (*vectorstore.Store, error) {
	cfg := config.Load()
	embedder, err := vectorstore.Default()
	if err != nil {
		return nil, fmt.Errorf("constructing embedder: %w", err)
	}
	return vectorstore.Open(cfg.VectorStoreDir, embedder)
}

func runInspectCollections(cmd *cobra.Command, args []string) error {
	store, err := openInspectStore()
	if err != nil {
		return err
	}
	defer store.Close()

	names, err := store.ListSessionNames()
	if err != nil {
		return err
	}
	return printJSON(names)
}

func runInspectSession(cmd *cobra.Command, args []string) error {
	store, err := openInspectStore()
	if err != nil {
		return err
	}
	defer store.Close()

	name := args[0]
	ctx := cmd.Context()
	turns, err := store.GetAllRecords(ctx, name, vectorstore.CollectionTurns)
	if err != nil {
		return err
	}
	code, err := store.GetAllRecords(ctx, name, vectorstore.CollectionCode)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"session_name": name, "turns": turns, "code": code})
}

func runInspectTraceLog(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	audit := storage.New(filepath.Join(cfg.SandboxDir, ".audit"))

	var entries []json.RawMessage
	err := audit.ReadAppendLog([]string{"audit_log"}, func(line json.RawMessage) error {
		entries = append(entries, line)
		return nil
	})
	if err != nil {
		return err
	}
	return printJSON(entries)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"agentiq/internal/api"
	"agentiq/internal/config"
	"agentiq/internal/devserver"
	"agentiq/internal/history"
	"agentiq/internal/session"
)

// --- login / logout ---

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and establish a backend session",
	Long: `Sign in against the identity provider and exchange the token for a
backend session. Opens a browser window unless a static token is
configured.

With --wait, skip the exchange and poll the backend until a session
established out of band becomes visible.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		wait, _ := cmd.Flags().GetBool("wait")
		if wait {
			interval := durationOr(a.cfg.Auth.PollInterval, 5*time.Second)
			timeout := durationOr(a.cfg.Auth.PollTimeout, 5*time.Minute)
			printStep("Waiting for authentication (checking every %s, up to %s)...", interval, timeout)

			user, err := a.bridge.WaitForAuthentication(ctx, interval, timeout)
			if err != nil {
				return err
			}
			printSuccess("Signed in as %s", userLabel(user))
			return nil
		}

		printStep("Signing in...")
		user, err := a.bridge.Login(ctx)
		if err != nil {
			var rej *session.ServerRejection
			if errors.As(err, &rej) {
				printError("Server rejected the sign-in: %s", rej.Message)
			}
			return err
		}

		printSuccess("Signed in as %s", userLabel(user))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear the local session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.bridge.Logout(cmd.Context()); err != nil {
			var terr *session.TransportError
			if errors.As(err, &terr) {
				printWarning("Server unreachable; local session cleared anyway")
				return nil
			}
			return err
		}

		printSuccess("Signed out")
		return nil
	},
}

// --- status / whoami ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.bridge.CheckStatus(cmd.Context())
		if err != nil {
			printStatus("Backend", "unreachable at %s", a.cfg.API.BaseURL)
			return err
		}

		printStatus("Backend", "%s", a.cfg.API.BaseURL)
		printStatus("Session", "%s", snap.State)
		if snap.User != nil {
			printStatus("User", "%s", userLabel(snap.User))
		}
		printStatus("History", "%d records", a.history.Len())
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		user, err := a.bridge.CurrentUser(cmd.Context())
		if err != nil {
			if errors.Is(err, session.ErrAuthorizationExpired) {
				printWarning("Session expired; run 'agentiq login'")
			}
			return err
		}

		printStatus("Name", "%s", user.DisplayName)
		printStatus("Email", "%s", user.Email)
		if user.JobTitle != "" {
			printStatus("Title", "%s", user.JobTitle)
		}
		if user.UserPrincipalName != "" && user.UserPrincipalName != user.Email {
			printStatus("UPN", "%s", user.UserPrincipalName)
		}
		return nil
	},
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Submit a single question to the agent",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := strings.Join(args, " ")
		asJSON, _ := cmd.Flags().GetBool("json")
		showSQL, _ := cmd.Flags().GetBool("sql")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		rec := a.pipeline.Submit(cmd.Context(), q, conversationTurns(a.history))

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		}

		printAgent(rec.Response)
		if showSQL && rec.SQLQuery != "" {
			fmt.Fprintf(os.Stdout, "\n%s\n%s\n", colorize(colorBold, "SQL:"), rec.SQLQuery)
		}
		if !rec.Success {
			return fmt.Errorf("query failed")
		}
		return nil
	},
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect the local query history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent queries",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		records := a.history.List()
		if len(records) == 0 {
			fmt.Println("No queries yet.")
			return nil
		}
		if limit > 0 && len(records) > limit {
			records = records[:limit]
		}

		for _, r := range records {
			marker := colorize(colorGreen, "ok ")
			if !r.Success {
				marker = colorize(colorRed, "err")
			}
			fmt.Printf("%s  %s  %s  %s\n",
				colorize(colorCyan, shortID(r.ID)),
				r.Timestamp.Format("2006-01-02 15:04"),
				marker,
				truncate(r.Query, 80),
			)
		}
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single query record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		rec, ok := findRecord(a, args[0])
		if !ok {
			return fmt.Errorf("no record with id %q", args[0])
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

var historyReplayCmd = &cobra.Command{
	Use:   "replay <id>",
	Short: "Resubmit a stored query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		rec, ok := findRecord(a, args[0])
		if !ok {
			return fmt.Errorf("no record with id %q", args[0])
		}

		printStep("Replaying: %s", truncate(rec.Query, 80))
		result := a.pipeline.Submit(cmd.Context(), rec.Query, conversationTurns(a.history))
		printAgent(result.Response)
		if !result.Success {
			return fmt.Errorf("query failed")
		}
		return nil
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the local query history",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete the local query history. Use --confirm to proceed.")
			return nil
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.history.Clear(); err != nil {
			return err
		}
		printSuccess("History cleared")
		return nil
	},
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
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
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

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Expose the query session as an MCP server (stdio transport)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Pipeline: a.pipeline,
			History:  a.history,
			Session:  a.bridge,
		})

		stdioSrv := server.NewStdioServer(mcpSrv)
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

// --- devserver ---

var devserverCmd = &cobra.Command{
	Use:    "devserver",
	Short:  "Run a local stand-in for the agent backend",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		dev := devserver.New(session.Identity{
			Email:             "dev@example.com",
			DisplayName:       "Dev User",
			GivenName:         "Dev",
			Surname:           "User",
			UserPrincipalName: "dev@example.com",
		})

		addr := fmt.Sprintf("127.0.0.1:%d", port)
		srv := &http.Server{Addr: addr, Handler: dev.Handler()}

		errCh := make(chan error, 1)
		go func() {
			fmt.Fprintf(os.Stderr, "dev backend listening on %s\n", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "shutting down...")
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	loginCmd.Flags().Bool("wait", false, "poll for a session established out of band instead of signing in")
	askCmd.Flags().Bool("json", false, "print the full record as JSON")
	askCmd.Flags().Bool("sql", false, "show the generated SQL")
	historyListCmd.Flags().Int("limit", 20, "maximum number of records to list")
	historyClearCmd.Flags().Bool("confirm", false, "confirm history deletion")
	devserverCmd.Flags().Int("port", 8000, "port to listen on")

	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyReplayCmd)
	historyCmd.AddCommand(historyClearCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- helpers ---

func userLabel(u *session.Identity) string {
	if u == nil {
		return "unknown"
	}
	if u.DisplayName != "" && u.Email != "" {
		return fmt.Sprintf("%s <%s>", u.DisplayName, u.Email)
	}
	if u.Email != "" {
		return u.Email
	}
	return u.DisplayName
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// findRecord resolves a full or shortened record ID.
func findRecord(a *app, id string) (history.Record, bool) {
	if rec, ok := a.history.Get(id); ok {
		return rec, true
	}
	// Accept the shortened prefix shown by 'history list'.
	for _, r := range a.history.List() {
		if strings.HasPrefix(r.ID, id) {
			return r, true
		}
	}
	return history.Record{}, false
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"agentiq/internal/query"
	"agentiq/internal/session"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat session with the agent",
	Long: `Start an interactive chat session. Signs in first if no session
exists. Type 'exit' or 'quit' to leave.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		showSQL, _ := cmd.Flags().GetBool("sql")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Establish a session before accepting input.
		snap, _ := a.bridge.CheckStatus(ctx)
		if snap.State != session.StateAuthenticated {
			printStep("Signing in...")
			user, err := a.bridge.Login(ctx)
			if err != nil {
				return err
			}
			printSuccess("Signed in as %s", userLabel(user))
		} else if snap.User != nil {
			printStatus("User", "%s", userLabel(snap.User))
		}

		// The greeting opens every conversation; it never carries a result
		// and is excluded from the upstream history window.
		turns := []query.Turn{{Role: query.RoleAgent, Content: query.Greeting, Greeting: true}}
		printAgent(query.Greeting)

		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Fprint(os.Stdout, colorize(colorBold, "you> "))
			if !scanner.Scan() {
				break
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "exit" || line == "quit" {
				break
			}

			turns = append(turns, query.Turn{Role: query.RoleUser, Content: line})
			rec := a.pipeline.Submit(ctx, line, turns)
			turns = append(turns, query.Turn{
				Role:      query.RoleAgent,
				Content:   rec.Response,
				HasResult: rec.Success,
			})

			printAgent(rec.Response)
			if showSQL && rec.SQLQuery != "" {
				fmt.Fprintf(os.Stdout, "%s %s\n", colorize(colorBold, "sql>"), rec.SQLQuery)
			}

			// A 401 mid-chat downgrades the session; sign in again so the
			// next turn can succeed.
			if !rec.Success && a.bridge.Status().Snapshot().State == session.StateUnauthenticated {
				reauthenticate(ctx, a)
			}

			if ctx.Err() != nil {
				break
			}
		}

		return scanner.Err()
	},
}

// reauthenticate re-runs the sign-in after the session was downgraded
// mid-chat. Reports whether a session was re-established.
func reauthenticate(ctx context.Context, a *app) bool {
	printStep("Session expired, signing in again...")
	user, err := a.bridge.Login(ctx)
	if err != nil {
		printError("Sign-in failed: %v", err)
		return false
	}
	printSuccess("Signed in as %s", userLabel(user))
	return true
}

func init() {
	chatCmd.Flags().Bool("sql", false, "show generated SQL after each answer")
}

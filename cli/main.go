package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jhuang59/router-benchmark/pkg/protocol"
)

var (
	serverURL string
	adminKey  string
	Version   = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rcx",
		Short: "rcx - Remote command execution coordinator CLI",
		Long:  "Manage edge agents, issue whitelisted commands, and open interactive shell sessions.",
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Coordinator URL")
	rootCmd.PersistentFlags().StringVarP(&adminKey, "admin-key", "k", os.Getenv("RCX_ADMIN_KEY"), "Admin API key (or RCX_ADMIN_KEY)")

	rootCmd.AddCommand(
		bootstrapCmd(),
		adminCmd(),
		registerCmd(),
		revokeCmd(),
		clientsCmd(),
		commandsCmd(),
		execCmd(),
		pendingCmd(),
		clearCmd(),
		resultsCmd(),
		resultCmd(),
		auditCmd(),
		sessionsCmd(),
		shellCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func api() *coordClient {
	return newCoordClient(serverURL, adminKey)
}

func bootstrapCmd() *cobra.Command {
	var displayName string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Mint the first admin credential on a fresh coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				AdminID string `json:"admin_id"`
				APIKey  string `json:"api_key"`
			}
			if err := api().post("/v1/bootstrap", map[string]string{"display_name": displayName}, &resp); err != nil {
				return err
			}
			fmt.Printf("Admin ID:  %s\n", resp.AdminID)
			fmt.Printf("API key:   %s\n", resp.APIKey)
			fmt.Println("\nStore this key now. It is shown once and cannot be recovered.")
			return nil
		},
	}
	cmd.Flags().StringVar(&displayName, "name", "", "Display name for the admin")
	return cmd
}

func adminCmd() *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Manage admin credentials",
	}

	var displayName string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an additional admin credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				AdminID string `json:"admin_id"`
				APIKey  string `json:"api_key"`
			}
			if err := api().post("/v1/admins", map[string]string{"display_name": displayName}, &resp); err != nil {
				return err
			}
			fmt.Printf("Admin ID:  %s\n", resp.AdminID)
			fmt.Printf("API key:   %s\n", resp.APIKey)
			return nil
		},
	}
	create.Flags().StringVar(&displayName, "name", "", "Display name for the admin")
	admin.AddCommand(create)
	return admin
}

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register [client-id]",
		Short: "Register a client and print its secret key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				ClientID  string `json:"client_id"`
				SecretKey string `json:"secret_key"`
			}
			if err := api().post("/v1/clients", map[string]string{"client_id": args[0]}, &resp); err != nil {
				return err
			}
			fmt.Printf("Client ID:   %s\n", resp.ClientID)
			fmt.Printf("Secret key:  %s\n", resp.SecretKey)
			fmt.Println("\nDeliver the secret to the agent out of band. It is shown once.")
			return nil
		},
	}
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke [client-id]",
		Short: "Revoke a client's credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api().delete("/v1/clients/"+args[0], nil); err != nil {
				return err
			}
			fmt.Printf("Revoked %s\n", args[0])
			return nil
		},
	}
}

func clientsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "clients",
		Aliases: []string{"ls", "list"},
		Short:   "List registered clients and their liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Clients []struct {
					ClientID  string                `json:"client_id"`
					Revoked   bool                  `json:"revoked"`
					CreatedAt time.Time             `json:"created_at"`
					Liveness  protocol.ClientStatus `json:"liveness"`
				} `json:"clients"`
			}
			if err := api().get("/v1/clients", &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CLIENT\tSTATUS\tLAST SEEN\tHOSTNAME")
			for _, c := range resp.Clients {
				status := c.Liveness.Status
				if status == "" {
					status = "never-seen"
				}
				if c.Revoked {
					status = "revoked"
				}
				lastSeen := "never"
				if !c.Liveness.LastSeen.IsZero() {
					lastSeen = time.Since(c.Liveness.LastSeen).Round(time.Second).String() + " ago"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ClientID, status, lastSeen, c.Liveness.Hostname)
			}
			w.Flush()
			return nil
		},
	}
}

func commandsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commands",
		Short: "List the whitelisted command catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Commands []struct {
					ID          string `json:"id"`
					Description string `json:"description"`
					Category    string `json:"category"`
					Params      []struct {
						Name     string `json:"name"`
						Type     string `json:"type"`
						Optional bool   `json:"optional"`
					} `json:"params"`
				} `json:"commands"`
			}
			if err := api().get("/v1/commands", &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "COMMAND\tCATEGORY\tPARAMS\tDESCRIPTION")
			for _, c := range resp.Commands {
				params := make([]string, 0, len(c.Params))
				for _, p := range c.Params {
					name := p.Name
					if p.Optional {
						name += "?"
					}
					params = append(params, name+":"+p.Type)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.Category, strings.Join(params, ","), c.Description)
			}
			w.Flush()
			return nil
		},
	}
}

func execCmd() *cobra.Command {
	var params []string
	var wait bool
	cmd := &cobra.Command{
		Use:   "exec [client-id] [command-id]",
		Short: "Queue a whitelisted command for a client",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			paramMap := make(map[string]string, len(params))
			for _, p := range params {
				key, value, found := strings.Cut(p, "=")
				if !found {
					return fmt.Errorf("parameter %q is not key=value", p)
				}
				paramMap[key] = value
			}

			var env protocol.CommandEnvelope
			body := map[string]any{"command_id": args[1], "params": paramMap}
			if err := api().post("/v1/clients/"+args[0]+"/commands", body, &env); err != nil {
				return err
			}
			fmt.Printf("Queued %s as %s\n", env.CommandID, env.UUID)

			if !wait {
				return nil
			}
			return waitForResult(env.UUID)
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Command parameter as key=value (repeatable)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the result and print it")
	return cmd
}

func waitForResult(commandUUID string) error {
	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		var result protocol.CommandResult
		err := api().get("/v1/results/"+commandUUID, &result)
		if err == nil {
			printResult(&result)
			return nil
		}
		time.Sleep(2 * time.Second)
	}
	return fmt.Errorf("timed out waiting for result %s", commandUUID)
}

func printResult(r *protocol.CommandResult) {
	fmt.Printf("Command:   %s (%s)\n", r.CommandID, r.CommandUUID)
	fmt.Printf("Client:    %s\n", r.ClientID)
	fmt.Printf("Exit code: %d%s\n", r.ExitCode, exitCodeNote(r.ExitCode))
	fmt.Printf("Duration:  %.2fs\n", r.DurationSeconds)
	if r.Stdout != "" {
		fmt.Printf("\n--- stdout ---\n%s\n", r.Stdout)
	}
	if r.Stderr != "" {
		fmt.Printf("\n--- stderr ---\n%s\n", r.Stderr)
	}
}

func exitCodeNote(code int) string {
	switch code {
	case protocol.ExitTimeout:
		return " (killed on timeout)"
	case protocol.ExitRejected:
		return " (rejected before execution)"
	default:
		return ""
	}
}

func pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending [client-id]",
		Short: "List a client's queued commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Envelopes []protocol.CommandEnvelope `json:"envelopes"`
			}
			if err := api().get("/v1/clients/"+args[0]+"/pending", &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "UUID\tCOMMAND\tISSUED")
			for _, e := range resp.Envelopes {
				issued := time.Unix(e.IssuedAt, 0)
				fmt.Fprintf(w, "%s\t%s\t%s ago\n", e.UUID, e.CommandID, time.Since(issued).Round(time.Second))
			}
			w.Flush()
			return nil
		},
	}
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear [client-id]",
		Short: "Discard a client's queued commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Cleared int `json:"cleared"`
			}
			if err := api().delete("/v1/clients/"+args[0]+"/pending", &resp); err != nil {
				return err
			}
			fmt.Printf("Cleared %d queued commands\n", resp.Cleared)
			return nil
		},
	}
}

func resultsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "results [client-id]",
		Short: "List a client's recent command results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Results []protocol.CommandResult `json:"results"`
			}
			if err := api().get(fmt.Sprintf("/v1/clients/%s/results?limit=%d", args[0], limit), &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "UUID\tCOMMAND\tEXIT\tEXECUTED")
			for _, r := range resp.Results {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s ago\n", r.CommandUUID, r.CommandID, r.ExitCode, time.Since(r.ExecutedAt).Round(time.Second))
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum results to show")
	return cmd
}

func resultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "result [command-uuid]",
		Short: "Show one command result in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result protocol.CommandResult
			if err := api().get("/v1/results/"+args[0], &result); err != nil {
				return err
			}
			printResult(&result)
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	var actor, action, target string
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/audit?limit=%d&actor=%s&action=%s&target=%s", limit, actor, action, target)
			var resp struct {
				Entries []protocol.AuditEntry `json:"entries"`
			}
			if err := api().get(path, &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tACTOR\tACTION\tTARGET\tOUTCOME")
			for _, e := range resp.Entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Actor, e.Action, e.Target, e.Outcome)
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Filter by actor")
	cmd.Flags().StringVar(&action, "action", "", "Filter by action")
	cmd.Flags().StringVar(&target, "target", "", "Filter by target")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries to show")
	return cmd
}

func sessionsCmd() *cobra.Command {
	sessions := &cobra.Command{
		Use:   "sessions",
		Short: "List live shell sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Sessions []protocol.ShellSession `json:"sessions"`
			}
			if err := api().get("/v1/sessions", &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tCLIENT\tSTATE\tAGE\tIDLE")
			for _, s := range resp.Sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					s.SessionID, s.ClientID, s.State,
					time.Since(s.CreatedAt).Round(time.Second),
					time.Since(s.LastActivity).Round(time.Second))
			}
			w.Flush()
			return nil
		},
	}

	kill := &cobra.Command{
		Use:   "kill [session-id]",
		Short: "Force-close a shell session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api().delete("/v1/sessions/"+args[0], nil); err != nil {
				return err
			}
			fmt.Printf("Closed %s\n", args[0])
			return nil
		},
	}
	sessions.AddCommand(kill)
	return sessions
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rcx version %s\n", Version)
		},
	}
}

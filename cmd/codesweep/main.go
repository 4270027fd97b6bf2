package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	goruntime "runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/leonletto/codesweep/internal/admin"
	"github.com/leonletto/codesweep/internal/agent"
	"github.com/leonletto/codesweep/internal/config"
	"github.com/leonletto/codesweep/internal/master"
	"github.com/leonletto/codesweep/internal/store"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

var (
	// Global flags.
	flagConfig string
	flagJSON   bool
	flagQuiet  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "codesweep",
		Short: "Source-code sweep fleet",
		Long: `Codesweep is a master/agent fleet for finding and quarantining
unauthorized source-code artifacts on managed hosts.

The master accepts long-lived agent connections, dispatches scan
tasks and holds findings for admin review; agents scan their hosts,
quarantine what they flag and delete what the master approves.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags available to all commands
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "TOML config file (environment variables still win)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")
	rootCmd.PersistentFlags().BoolVar(&flagQuiet, "quiet", false, "Suppress non-essential output")

	// Set version for --version flag
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("codesweep v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	rootCmd.AddCommand(masterCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func masterCmd() *cobra.Command {
	var (
		flagBind      string
		flagPort      int
		flagAdminAddr string
		flagDB        string
		flagNoAdmin   bool
	)

	cmd := &cobra.Command{
		Use:   "master",
		Short: "Run the fleet master",
		Long: `Run the fleet master: the agent wire listener, the inactivity
sweeper and (unless disabled) the admin HTTP API.

Flags override the config file; environment variables override both.

Examples:
  codesweep master                          # defaults: wire :5000, admin :8000
  codesweep master --port 6000 --db /var/lib/codesweep/app.db
  codesweep master --no-admin               # wire listener only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("bind") {
				cfg.Master.BindIP = flagBind
			}
			if cmd.Flags().Changed("port") {
				cfg.Master.Port = flagPort
			}
			if cmd.Flags().Changed("admin-addr") {
				cfg.Master.AdminAddr = flagAdminAddr
			}
			if cmd.Flags().Changed("db") {
				cfg.Master.DBPath = flagDB
			}
			if flagNoAdmin {
				cfg.Master.WithAdmin = false
			}
			return runMaster(cfg.Master)
		},
	}

	cmd.Flags().StringVar(&flagBind, "bind", "0.0.0.0", "Interface for the agent wire listener")
	cmd.Flags().IntVar(&flagPort, "port", 5000, "Agent wire port")
	cmd.Flags().StringVar(&flagAdminAddr, "admin-addr", ":8000", "Admin API listen address")
	cmd.Flags().StringVar(&flagDB, "db", "app_data.db", "SQLite database file")
	cmd.Flags().BoolVar(&flagNoAdmin, "no-admin", false, "Run the wire listener without the admin API")
	return cmd
}

func runMaster(cfg config.MasterConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	reg := prometheus.NewRegistry()
	metrics := master.NewMetrics(reg)
	feed := admin.NewFeed()

	m := master.New(cfg, st, feed, metrics)
	if err := m.Start(ctx); err != nil {
		return err
	}

	var adminSrv *admin.Server
	if cfg.WithAdmin {
		adminSrv = admin.NewServer(cfg.AdminAddr, m, feed, reg)
		if err := adminSrv.Start(); err != nil {
			_ = m.Stop()
			return err
		}
	}

	<-ctx.Done()
	if !flagQuiet {
		fmt.Fprintln(os.Stderr, "Received shutdown signal, stopping...")
	}
	if adminSrv != nil {
		if err := adminSrv.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping admin server: %v\n", err)
		}
	}
	return m.Stop()
}

func agentCmd() *cobra.Command {
	var (
		flagMasterIP   string
		flagMasterPort int
		flagScanDirs   string
		flagQuarantine string
		flagClientID   string
		flagPolicy     string
		flagLogDir     string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a fleet agent",
		Long: `Run a fleet agent on this host. The agent dials the master,
registers, heartbeats, and serves scan and delete commands until
stopped. Lost connections are re-dialed indefinitely.

Examples:
  codesweep agent --master-ip 10.0.0.1
  codesweep agent --scan-dirs /home,/srv --quarantine-dir /var/quarantine
  codesweep agent --policy /etc/codesweep/policy.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("master-ip") {
				cfg.Agent.MasterIP = flagMasterIP
			}
			if cmd.Flags().Changed("master-port") {
				cfg.Agent.MasterPort = flagMasterPort
			}
			if cmd.Flags().Changed("scan-dirs") {
				cfg.Agent.ScanDirs = config.SplitDirs(flagScanDirs)
			}
			if cmd.Flags().Changed("quarantine-dir") {
				cfg.Agent.QuarantineDir = flagQuarantine
			}
			if cmd.Flags().Changed("client-id") {
				cfg.Agent.ClientID = flagClientID
			}
			if cmd.Flags().Changed("policy") {
				cfg.Agent.PolicyFile = flagPolicy
			}
			if cmd.Flags().Changed("log-dir") {
				cfg.Agent.LogDir = flagLogDir
			}
			return runAgent(cfg.Agent)
		},
	}

	cmd.Flags().StringVar(&flagMasterIP, "master-ip", "127.0.0.1", "Master address to dial")
	cmd.Flags().IntVar(&flagMasterPort, "master-port", 5000, "Master wire port")
	cmd.Flags().StringVar(&flagScanDirs, "scan-dirs", "", "Comma-separated scan roots (home directory when empty)")
	cmd.Flags().StringVar(&flagQuarantine, "quarantine-dir", "./quarantine", "Quarantine root for flagged files")
	cmd.Flags().StringVar(&flagClientID, "client-id", "", "Stable agent identity (generated when empty)")
	cmd.Flags().StringVar(&flagPolicy, "policy", "", "Detector policy TOML file")
	cmd.Flags().StringVar(&flagLogDir, "log-dir", "", "Tee agent logs to a file under this directory")
	return cmd
}

func runAgent(cfg config.AgentConfig) error {
	closeLog, err := agent.SetupLogging(cfg.LogDir)
	if err != nil {
		return err
	}
	defer closeLog()

	a, err := agent.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if !flagQuiet {
		fmt.Fprintln(os.Stderr, "Agent stopped")
	}
	return nil
}

func statusCmd() *cobra.Command {
	var flagAdmin string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show fleet status from a running master",
		Long: `Query a running master's admin API for its health and the agents
it has seen recently.

Output is a table on a terminal, JSON otherwise (or with --json).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			base := strings.TrimRight(flagAdmin, "/")
			client := &http.Client{Timeout: 5 * time.Second}

			var health struct {
				Status        string `json:"status"`
				UptimeSeconds int64  `json:"uptime_seconds"`
				Agents        int    `json:"agents"`
			}
			if err := fetchJSON(client, base+"/healthz", &health); err != nil {
				return fmt.Errorf("master unreachable at %s: %w", base, err)
			}

			var clients struct {
				Count   int `json:"count"`
				Clients []struct {
					AgentIP   string `json:"agent_ip"`
					ClientID  string `json:"client_id"`
					Status    string `json:"status"`
					Online    bool   `json:"online"`
					LastSeen  string `json:"last_seen"`
					Connected bool   `json:"connected"`
				} `json:"clients"`
			}
			if err := fetchJSON(client, base+"/clients-status", &clients); err != nil {
				return err
			}

			if flagJSON || !term.IsTerminal(int(os.Stdout.Fd())) {
				out, err := json.MarshalIndent(map[string]any{
					"health":  health,
					"clients": clients.Clients,
					"count":   clients.Count,
				}, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			fmt.Printf("master %s, up %s, %d agent(s) connected\n\n",
				health.Status, (time.Duration(health.UptimeSeconds) * time.Second).String(), health.Agents)
			if clients.Count == 0 {
				fmt.Println("No agents seen recently.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT IP\tCLIENT\tSTATUS\tONLINE\tCONNECTED\tLAST SEEN")
			for _, c := range clients.Clients {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					c.AgentIP, c.ClientID, c.Status, yesNo(c.Online), yesNo(c.Connected), c.LastSeen)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&flagAdmin, "admin", "http://127.0.0.1:8000", "Admin API base URL")
	return cmd
}

func fetchJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show codesweep version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagJSON {
				output := map[string]string{
					"version":    Version,
					"build":      Build,
					"go_version": goruntime.Version(),
				}
				data, err := json.MarshalIndent(output, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
			} else {
				fmt.Printf("codesweep v%s (build: %s, %s)\n", Version, Build, goruntime.Version())
			}
			return nil
		},
	}
}

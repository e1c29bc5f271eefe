package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/liminal-dev/liminal/pkg/config"
	"github.com/liminal-dev/liminal/pkg/core"
	"github.com/liminal-dev/liminal/pkg/httpapi"
	"github.com/liminal-dev/liminal/pkg/ledger"
	"github.com/liminal-dev/liminal/pkg/log"
	"github.com/liminal-dev/liminal/pkg/types"
	"github.com/spf13/cobra"

	sysclock "github.com/liminal-dev/liminal/pkg/clock"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "liminald",
	Short: "liminald - LIMINAL coordination core",
	Long: `liminald runs the LIMINAL coordination core: the Unified Message
Router, Territory Manager, Priority/Rate-Control layer, and PTY Event
Bridge that let a multi-agent desktop runtime's subprocesses cooperate
without stepping on each other.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"liminald version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateConfigCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print liminald's version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("liminald version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func init() {
	runCmd.Flags().String("config", "", "Path to the liminald CoreConfig YAML file (defaults built in if omitted)")
	runCmd.Flags().String("listen-addr", "", "Override http.listen_addr from config")
	runCmd.Flags().String("director", "", "Override director from config")

	validateConfigCmd.Flags().String("config", "", "Path to the liminald CoreConfig YAML file to validate")
	_ = validateConfigCmd.MarkFlagRequired("config")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the coordination core and its HTTP surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		listenAddr, _ := cmd.Flags().GetString("listen-addr")
		director, _ := cmd.Flags().GetString("director")

		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg = loaded
		}
		if listenAddr != "" {
			cfg.HTTP.ListenAddr = listenAddr
		}
		if director != "" {
			cfg.Director = director
		}

		logger := log.WithComponent("liminald")

		directory := newEnvDirectory()
		clk := sysclock.New()
		c := core.New(cfg, clk, directory, nil)
		if err := c.Start(); err != nil {
			return fmt.Errorf("failed to start core: %w", err)
		}

		var led *ledger.Ledger
		if cfg.Ledger.Enabled {
			var err error
			led, err = ledger.Open(cfg.Ledger.Path)
			if err != nil {
				return fmt.Errorf("failed to open ledger: %w", err)
			}
			go led.RunRouterEvents(c.SubscribeRouterEvents())
			go led.RunTerritoryEvents(c.SubscribeTerritoryEvents())
			go led.RunHealthAlerts(c.SubscribeHealth())
		}

		health := httpapi.NewHealthView()
		go func() {
			sub := c.SubscribeHealth()
			for alert := range sub.C() {
				health.Observe(alert)
			}
		}()

		httpServer := httpapi.NewServer(cfg.HTTP.ListenAddr, c, health)
		errCh := make(chan error, 1)
		go func() {
			if err := httpServer.ListenAndServe(); err != nil {
				errCh <- err
			}
		}()

		logger.Info().Str("listen_addr", cfg.HTTP.ListenAddr).Msg("liminald running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutdown signal received")
		case err := <-errCh:
			logger.Error().Err(err).Msg("http server failed")
		}

		dropped := c.Shutdown(true)
		_ = httpServer.Shutdown()
		if led != nil {
			_ = led.Close()
		}
		logger.Info().Int("messages_dropped", dropped).Msg("shutdown complete")
		return nil
	},
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Parse and validate a CoreConfig YAML file without starting the core",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		if _, err := config.Load(configPath); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		fmt.Printf("%s is valid\n", configPath)
		return nil
	},
}

// envDirectory resolves agent roles from environment-provided pairs of
// the form LIMINAL_AGENT_ROLE_<id>=<role>, since agent identity and
// role assignment happen outside the coordination core (spec §1
// non-goal: "agent spawning, subprocess lifecycle").
type envDirectory struct {
	roles map[types.AgentId]types.AgentRole
}

func newEnvDirectory() *envDirectory {
	d := &envDirectory{roles: make(map[types.AgentId]types.AgentRole)}
	for _, kv := range os.Environ() {
		const prefix = "LIMINAL_AGENT_ROLE_"
		if len(kv) <= len(prefix) || kv[:len(prefix)] != prefix {
			continue
		}
		rest := kv[len(prefix):]
		for i := 0; i < len(rest); i++ {
			if rest[i] == '=' {
				id := types.AgentId(rest[:i])
				switch rest[i+1:] {
				case "director":
					d.roles[id] = types.Director
				case "clone":
					d.roles[id] = types.Clone
				default:
					d.roles[id] = types.Primary
				}
				break
			}
		}
	}
	return d
}

func (d *envDirectory) RoleOf(id types.AgentId) (types.AgentRole, bool) {
	r, ok := d.roles[id]
	return r, ok
}

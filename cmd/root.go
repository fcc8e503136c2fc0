package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/toolbridge/internal/connector"
	"github.com/giantswarm/toolbridge/internal/oauth"
	"github.com/giantswarm/toolbridge/internal/registry"
	"github.com/giantswarm/toolbridge/internal/shell"
	"github.com/giantswarm/toolbridge/internal/turn"
	"github.com/giantswarm/toolbridge/pkg/logging"
)

var (
	version string

	configPath  string
	timeout     time.Duration
	verbose     bool
	redirectURL string
	scope       string
	interactive bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "toolbridge",
	Short: "Multi-server tool client with OAuth 2.1 support",
	Long: `toolbridge manages connections to multiple remote tool servers.

Servers are configured once and persisted; each can authenticate with a
static bearer token or a full OAuth 2.1 authorization-code flow with PKCE,
including dynamic client registration and refresh-token rotation.

The tool supports two modes:
- Normal mode (default): connect to all selected servers, print the merged
  tool list, and exit
- Shell mode (--shell): interactively add, remove, connect, and authorize
  servers, and call tools across the active set

When several servers expose a tool with the same name, the server listed
last wins, so local overrides shadow upstream defaults.`,
	RunE: runToolbridge,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// SetVersion sets the version for the application
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to the server registry file")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Timeout for connecting to a server, transport fallback included")
	rootCmd.Flags().StringVar(&redirectURL, "redirect-url", "http://localhost:8765/callback", "OAuth redirect URL for the authorization callback")
	rootCmd.Flags().StringVar(&scope, "scope", "", "OAuth scope to request (defaults to the standard scope)")
	rootCmd.Flags().BoolVar(&interactive, "shell", false, "Start the interactive shell")

	rootCmd.AddCommand(newSelfUpdateCmd())
}

// defaultConfigPath places the registry under the user config directory.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "toolbridge-servers.yaml"
	}
	return filepath.Join(dir, "toolbridge", "servers.yaml")
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down gracefully...")
		cancel()
	}()
}

// buildManager wires the registry with the connector and OAuth plumbing.
func buildManager() (*registry.Manager, *connector.Connector, *oauth.FlowStore, error) {
	conn := connector.New(
		connector.WithTimeout(timeout),
		connector.WithClientInfo("toolbridge", version),
	)
	flows := oauth.NewFlowStore()

	manager, err := registry.NewManager(registry.ManagerConfig{
		Store:       registry.NewFileStore(configPath),
		Connector:   conn,
		Resolver:    oauth.NewResolver(),
		Flows:       flows,
		RedirectURI: redirectURL,
		Navigate:    shell.OpenBrowser,
		Scope:       scope,
		ClientName:  "toolbridge",
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return manager, conn, flows, nil
}

func runToolbridge(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	setupSignalHandler(cancel)

	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	logging.InitForCLI(level, os.Stderr)

	manager, conn, flows, err := buildManager()
	if err != nil {
		return err
	}
	defer flows.Stop()

	if err := manager.Load(ctx); err != nil {
		return err
	}

	if interactive {
		sh := shell.New(shell.Config{
			Registry:    manager,
			RedirectURI: redirectURL,
			Connector:   conn,
		})
		if err := sh.Run(ctx); err != nil {
			return fmt.Errorf("shell error: %w", err)
		}
		return nil
	}

	return runNormalMode(ctx, manager, conn)
}

// runNormalMode connects every selected server, prints the merged tool list
// across the active set, and tears the sessions down again.
func runNormalMode(ctx context.Context, manager *registry.Manager, conn *connector.Connector) error {
	selected := 0
	for _, d := range manager.List() {
		if !d.Selected {
			continue
		}
		selected++
		if err := manager.Connect(ctx, d.ID); err != nil {
			logging.Warn("CLI", "Server %s unavailable: %v", d.Name, err)
		}
	}
	if selected == 0 {
		fmt.Println("No servers selected. Run with --shell to configure servers.")
		return nil
	}

	active := manager.ActiveServersForAPI()
	if len(active) == 0 {
		return fmt.Errorf("no selected server could be reached")
	}

	tm := turn.NewManager(func(ctx context.Context, target connector.Target) (turn.ToolSession, error) {
		return conn.Open(ctx, target)
	}, manager)
	defer func() { _ = tm.Cleanup() }()

	if err := tm.Initialize(ctx, active); err != nil {
		var partial *turn.PartialInitializationError
		if !errors.As(err, &partial) {
			return err
		}
		logging.Warn("CLI", "%v", partial)
	}

	tools := tm.Tools()
	fmt.Printf("Active servers: %d, tools: %d\n", len(active), len(tools))
	for _, tool := range tools {
		fmt.Printf("  %-30s %s\n", tool.Name, tool.Description)
	}
	return nil
}

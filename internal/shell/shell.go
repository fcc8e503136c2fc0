// Package shell provides the interactive command loop for managing tool
// servers: adding and removing them, driving the authorization flow, and
// inspecting the tools the active set exposes.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/toolbridge/internal/connector"
	"github.com/giantswarm/toolbridge/internal/registry"
	"github.com/giantswarm/toolbridge/internal/turn"
	"github.com/giantswarm/toolbridge/pkg/logging"
)

// errExit is a sentinel error used to signal shell exit
var errExit = errors.New("exit")

// Config configures a Shell.
type Config struct {
	Registry *registry.Manager
	// RedirectURI is the loopback address used for OAuth callbacks.
	RedirectURI string
	// Connector opens turn sessions for the tools and call commands.
	Connector *connector.Connector
}

// Shell is the interactive server-management loop.
type Shell struct {
	registry        *registry.Manager
	redirectURI     string
	conn            *connector.Connector
	rl              *readline.Instance
	commandHandlers map[string]commandHandler
}

// New creates a Shell.
func New(cfg Config) *Shell {
	conn := cfg.Connector
	if conn == nil {
		conn = connector.New()
	}
	s := &Shell{
		registry:    cfg.Registry,
		redirectURI: cfg.RedirectURI,
		conn:        conn,
	}
	s.commandHandlers = s.buildCommandHandlers()
	return s
}

// Run starts the shell loop and blocks until exit or context cancellation.
func (s *Shell) Run(ctx context.Context) error {
	historyFile := filepath.Join(os.TempDir(), ".toolbridge_history")

	config := &readline.Config{
		Prompt:          "toolbridge> ",
		HistoryFile:     historyFile,
		AutoComplete:    s.createCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	}

	rl, err := readline.NewEx(config)
	if err != nil {
		return fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer func() { _ = rl.Close() }()
	s.rl = rl

	logging.Info("Shell", "Interactive shell started. Type 'help' for available commands.")
	fmt.Println()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				continue
			}
		} else if err == io.EOF {
			fmt.Println("Goodbye!")
			return nil
		} else if err != nil {
			return fmt.Errorf("readline error: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if err := s.executeCommand(ctx, input); err != nil {
			if errors.Is(err, errExit) {
				fmt.Println("Goodbye!")
				return nil
			}
			fmt.Printf("Error: %v\n", err)
		}

		fmt.Println()
	}
}

// serverNames returns the configured server names for tab completion.
func (s *Shell) serverNames() []string {
	servers := s.registry.List()
	names := make([]string, len(servers))
	for i, d := range servers {
		names[i] = d.Name
	}
	return names
}

// buildPcItems converts a slice of strings to readline completer items
func buildPcItems(names []string) []readline.PrefixCompleterInterface {
	items := make([]readline.PrefixCompleterInterface, len(names))
	for i, name := range names {
		items[i] = readline.PcItem(name)
	}
	return items
}

// createCompleter creates the tab completion configuration
func (s *Shell) createCompleter() *readline.PrefixCompleter {
	serverItems := buildPcItems(s.serverNames())

	items := []readline.PrefixCompleterInterface{
		readline.PcItem("help"),
		readline.PcItem("?"),
		readline.PcItem("exit"),
		readline.PcItem("quit"),
		readline.PcItem("servers"),
		readline.PcItem("add"),
		readline.PcItem("remove", serverItems...),
		readline.PcItem("select", serverItems...),
		readline.PcItem("deselect", serverItems...),
		readline.PcItem("connect", serverItems...),
		readline.PcItem("disconnect", serverItems...),
		readline.PcItem("login", serverItems...),
		readline.PcItem("logout", serverItems...),
		readline.PcItem("tools"),
		readline.PcItem("call"),
	}
	return readline.NewPrefixCompleter(items...)
}

// filterInput filters input characters for readline
func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// commandHandler defines a shell command with its handler and argument
// requirements
type commandHandler struct {
	minArgs int
	usage   string
	handler func(ctx context.Context, parts []string) error
}

// buildCommandHandlers creates the map of command handlers
func (s *Shell) buildCommandHandlers() map[string]commandHandler {
	return map[string]commandHandler{
		"help": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return s.showHelp()
		}},
		"?": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return s.showHelp()
		}},
		"exit": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return errExit
		}},
		"quit": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return errExit
		}},
		"servers": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return s.handleServers()
		}},
		"add": {
			minArgs: 3,
			usage:   "usage: add <name> <url> [http-stream|event-stream] [bearer <token>|oauth2] [header <Name=Value>]...",
			handler: func(ctx context.Context, parts []string) error {
				return s.handleAdd(ctx, parts[1:])
			},
		},
		"remove": {
			minArgs: 2,
			usage:   "usage: remove <server>",
			handler: func(ctx context.Context, parts []string) error {
				return s.handleRemove(ctx, parts[1])
			},
		},
		"select": {
			minArgs: 2,
			usage:   "usage: select <server>",
			handler: func(ctx context.Context, parts []string) error {
				return s.handleSelect(ctx, parts[1], true)
			},
		},
		"deselect": {
			minArgs: 2,
			usage:   "usage: deselect <server>",
			handler: func(ctx context.Context, parts []string) error {
				return s.handleSelect(ctx, parts[1], false)
			},
		},
		"connect": {
			minArgs: 2,
			usage:   "usage: connect <server>",
			handler: func(ctx context.Context, parts []string) error {
				return s.handleConnect(ctx, parts[1])
			},
		},
		"disconnect": {
			minArgs: 2,
			usage:   "usage: disconnect <server>",
			handler: func(ctx context.Context, parts []string) error {
				return s.handleDisconnect(ctx, parts[1])
			},
		},
		"login": {
			minArgs: 2,
			usage:   "usage: login <server>",
			handler: func(ctx context.Context, parts []string) error {
				return s.handleLogin(ctx, parts[1])
			},
		},
		"logout": {
			minArgs: 2,
			usage:   "usage: logout <server>",
			handler: func(ctx context.Context, parts []string) error {
				return s.handleLogout(ctx, parts[1])
			},
		},
		"tools": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return s.handleTools(ctx)
		}},
		"call": {
			minArgs: 2,
			usage:   "usage: call <tool-name> [json-args]",
			handler: func(ctx context.Context, parts []string) error {
				return s.handleCall(ctx, parts[1], strings.Join(parts[2:], " "))
			},
		},
	}
}

// executeCommand parses and executes a command
func (s *Shell) executeCommand(ctx context.Context, input string) error {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}

	command := strings.ToLower(parts[0])

	handler, exists := s.commandHandlers[command]
	if !exists {
		return fmt.Errorf("unknown command: %s. Type 'help' for available commands", command)
	}

	if len(parts) < handler.minArgs {
		return errors.New(handler.usage)
	}

	return handler.handler(ctx, parts)
}

// showHelp displays available commands
func (s *Shell) showHelp() error {
	fmt.Println("Available commands:")
	fmt.Println("  help, ?                          - Show this help message")
	fmt.Println("  servers                          - List configured servers and their status")
	fmt.Println("  add <name> <url> [opts]          - Add a server (transport, auth)")
	fmt.Println("  remove <server>                  - Remove a server")
	fmt.Println("  select <server>                  - Include a server in the active set")
	fmt.Println("  deselect <server>                - Exclude a server from the active set")
	fmt.Println("  connect <server>                 - Connect to a server")
	fmt.Println("  disconnect <server>              - Disconnect from a server")
	fmt.Println("  login <server>                   - Run the OAuth authorization flow")
	fmt.Println("  logout <server>                  - Revoke and drop stored tokens")
	fmt.Println("  tools                            - List tools across the active servers")
	fmt.Println("  call <tool> {json}               - Execute a tool with JSON arguments")
	fmt.Println("  exit, quit                       - Exit the shell")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  add prod https://tools.example.com/mcp oauth2")
	fmt.Println("  add local http://localhost:8080/mcp bearer my-token header X-API-Key=secret")
	fmt.Println("  call search {\"query\": \"release notes\"}")
	return nil
}

// resolveServer looks up a server by name, falling back to ID.
func (s *Shell) resolveServer(ref string) (*registry.Descriptor, error) {
	if d, ok := s.registry.GetByName(ref); ok {
		return d, nil
	}
	if d, ok := s.registry.Get(ref); ok {
		return d, nil
	}
	return nil, fmt.Errorf("unknown server: %s", ref)
}

// handleServers lists all configured servers
func (s *Shell) handleServers() error {
	servers := s.registry.List()
	if len(servers) == 0 {
		fmt.Println("No servers configured. Use 'add' to configure one.")
		return nil
	}

	fmt.Printf("Configured servers (%d):\n", len(servers))
	for i, d := range servers {
		selected := " "
		if d.Selected {
			selected = "*"
		}
		status := string(d.Status)
		if d.Status == registry.StatusError && d.StatusErr != "" {
			status = fmt.Sprintf("error (%s)", d.StatusErr)
		}
		fmt.Printf("  %d. [%s] %-20s %-40s %s\n", i+1, selected, d.Name, d.URL, status)
	}
	return nil
}

// handleAdd parses the add arguments and registers a server
func (s *Shell) handleAdd(ctx context.Context, args []string) error {
	desc := &registry.Descriptor{
		Name:     args[0],
		URL:      args[1],
		Selected: true,
	}

	rest := args[2:]
	for len(rest) > 0 {
		switch rest[0] {
		case string(connector.TransportHTTPStream), string(connector.TransportEventStream):
			desc.Transport = connector.TransportType(rest[0])
			rest = rest[1:]
		case string(connector.AuthBearer):
			if len(rest) < 2 {
				return fmt.Errorf("bearer auth requires a token: add <name> <url> bearer <token>")
			}
			desc.Auth = connector.AuthBearer
			desc.BearerToken = rest[1]
			rest = rest[2:]
		case string(connector.AuthOAuth2):
			desc.Auth = connector.AuthOAuth2
			rest = rest[1:]
		case "header":
			if len(rest) < 2 || !strings.Contains(rest[1], "=") {
				return fmt.Errorf("header option requires Name=Value: add <name> <url> header X-API-Key=secret")
			}
			name, value, _ := strings.Cut(rest[1], "=")
			if desc.Headers == nil {
				desc.Headers = make(map[string]string)
			}
			desc.Headers[name] = value
			rest = rest[2:]
		default:
			return fmt.Errorf("unknown option: %s", rest[0])
		}
	}

	added, err := s.registry.AddServer(ctx, desc)
	if err != nil {
		return err
	}
	fmt.Printf("Added server %s (%s)\n", added.Name, added.ID)
	s.refreshCompleter()
	return nil
}

func (s *Shell) handleRemove(ctx context.Context, ref string) error {
	d, err := s.resolveServer(ref)
	if err != nil {
		return err
	}
	if err := s.registry.RemoveServer(ctx, d.ID); err != nil {
		return err
	}
	fmt.Printf("Removed server %s\n", d.Name)
	s.refreshCompleter()
	return nil
}

func (s *Shell) handleSelect(ctx context.Context, ref string, selected bool) error {
	d, err := s.resolveServer(ref)
	if err != nil {
		return err
	}
	if err := s.registry.SetSelected(ctx, d.ID, selected); err != nil {
		return err
	}
	if selected {
		fmt.Printf("Server %s is now in the active set\n", d.Name)
	} else {
		fmt.Printf("Server %s removed from the active set\n", d.Name)
	}
	return nil
}

func (s *Shell) handleConnect(ctx context.Context, ref string) error {
	d, err := s.resolveServer(ref)
	if err != nil {
		return err
	}
	fmt.Printf("Connecting to %s...\n", d.Name)
	if err := s.registry.Connect(ctx, d.ID); err != nil {
		return err
	}
	connected, _ := s.registry.Get(d.ID)
	fmt.Printf("Connected to %s (%d tools)\n", d.Name, len(connected.Tools))
	return nil
}

func (s *Shell) handleDisconnect(ctx context.Context, ref string) error {
	d, err := s.resolveServer(ref)
	if err != nil {
		return err
	}
	if err := s.registry.Disconnect(ctx, d.ID); err != nil {
		return err
	}
	fmt.Printf("Disconnected from %s\n", d.Name)
	return nil
}

func (s *Shell) handleLogout(ctx context.Context, ref string) error {
	d, err := s.resolveServer(ref)
	if err != nil {
		return err
	}
	if err := s.registry.ClearAuthorization(ctx, d.ID); err != nil {
		return err
	}
	fmt.Printf("Logged out of %s\n", d.Name)
	return nil
}

// handleTools runs one turn across the active servers and prints the merged
// tool list.
func (s *Shell) handleTools(ctx context.Context) error {
	active := s.registry.ActiveServersForAPI()
	if len(active) == 0 {
		fmt.Println("No active servers. Select and connect a server first.")
		return nil
	}

	tm := turn.NewManager(s.openSession, s.registry)
	defer func() { _ = tm.Cleanup() }()

	if err := tm.Initialize(ctx, active); err != nil {
		var partial *turn.PartialInitializationError
		if !errors.As(err, &partial) {
			return err
		}
		fmt.Printf("Warning: %v\n", partial)
	}

	tools := tm.Tools()
	if len(tools) == 0 {
		fmt.Println("No tools available.")
		return nil
	}

	fmt.Printf("Available tools (%d):\n", len(tools))
	for i, tool := range tools {
		fmt.Printf("  %d. %-30s - %s\n", i+1, tool.Name, tool.Description)
	}
	return nil
}

// handleCall runs one turn, routes the call to the server owning the tool,
// and prints the result.
func (s *Shell) handleCall(ctx context.Context, toolName, argsJSON string) error {
	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return fmt.Errorf("invalid JSON arguments: %w", err)
		}
	}

	active := s.registry.ActiveServersForAPI()
	if len(active) == 0 {
		return fmt.Errorf("no active servers")
	}

	tm := turn.NewManager(s.openSession, s.registry)
	defer func() { _ = tm.Cleanup() }()

	if err := tm.Initialize(ctx, active); err != nil {
		var partial *turn.PartialInitializationError
		if !errors.As(err, &partial) {
			return err
		}
		fmt.Printf("Warning: %v\n", partial)
	}

	ownerID, ok := tm.Owner(toolName)
	if !ok {
		return fmt.Errorf("tool not found: %s", toolName)
	}
	session, ok := tm.Session(ownerID)
	if !ok {
		return fmt.Errorf("no session for tool %s", toolName)
	}
	callable, ok := session.(*connector.Session)
	if !ok {
		return fmt.Errorf("session for tool %s does not support calls", toolName)
	}

	result, err := callable.CallTool(ctx, toolName, args)
	if err != nil {
		return err
	}
	printCallResult(result)
	return nil
}

func (s *Shell) openSession(ctx context.Context, target connector.Target) (turn.ToolSession, error) {
	return s.conn.Open(ctx, target)
}

func (s *Shell) refreshCompleter() {
	if s.rl != nil {
		s.rl.Config.AutoComplete = s.createCompleter()
	}
}

func printCallResult(result *mcp.CallToolResult) {
	if result.IsError {
		fmt.Println("Tool returned an error:")
	}
	for _, content := range result.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			fmt.Println(text.Text)
			continue
		}
		b, err := json.MarshalIndent(content, "", "  ")
		if err != nil {
			fmt.Printf("%+v\n", content)
			continue
		}
		fmt.Println(string(b))
	}
}

// Command fasto runs the Fasto automation agent: it drives the back-office
// web application in Chrome and exposes the assistant over MCP and a
// WebSocket bridge.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"

	"fasto-agent/internal/config"
	"fasto-agent/internal/navigation"

	"github.com/spf13/cobra"
)

var version = "dev"

type globalFlags struct {
	configPath   string
	workspaceDir string
	noWorkspace  bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:   "fasto",
		Short: "Voice and text automation agent for the Fasto back office",
		Long: `fasto drives the back-office web application on the operator's behalf.

Commands are queued and executed one at a time: navigation, entity actions
through the action bus, and multi-step conversational workflows.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Explicit config file (overrides .fasto/config.yaml)")
	cmd.PersistentFlags().StringVar(&g.workspaceDir, "workspace-dir", "", "Use this directory as the workspace root")
	cmd.PersistentFlags().BoolVar(&g.noWorkspace, "no-workspace", false, "Skip .fasto workspace discovery")

	cmd.AddCommand(serveCmd(&g), resolveCmd(&g), workflowsCmd(&g), initCmd(), versionCmd())
	return cmd
}

func (g *globalFlags) load() (config.Config, error) {
	cfg, wsDir, err := config.LoadWithWorkspace(g.configPath, config.WorkspaceOptions{
		Disable:     g.noWorkspace,
		ExplicitDir: g.workspaceDir,
	})
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if wsDir != "" {
		log.Printf("[fasto] workspace: %s", wsDir)
	}
	return cfg, nil
}

func serveCmd(g *globalFlags) *cobra.Command {
	var (
		ssePort    int
		bridgePort int
		noBrowser  bool
		noMCP      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent (browser, assistant, MCP server and bridge)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if ssePort != 0 {
				cfg.MCP.SSEPort = ssePort
			}
			if bridgePort != 0 {
				cfg.Bridge.Port = bridgePort
			}
			if noBrowser {
				cfg.Browser.AutoStart = false
			}
			if noMCP {
				cfg.MCP.Disable = true
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVar(&ssePort, "sse-port", 0, "Serve MCP over SSE on this port instead of stdio")
	cmd.Flags().IntVar(&bridgePort, "bridge-port", 0, "Bridge HTTP port override")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Do not launch or attach Chrome at startup")
	cmd.Flags().BoolVar(&noMCP, "no-mcp", false, "Disable the MCP server (bridge only)")
	return cmd
}

func serve(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// stderr would corrupt the stdio MCP protocol.
	stdio := !cfg.MCP.Disable && cfg.MCP.SSEPort == 0
	if stdio && cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			log.SetOutput(io.Discard)
		}
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Printf("[fasto] shutdown: %v", err)
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	defer stop()

	if err := a.run(ctx, &wg); err != nil {
		return err
	}

	if cfg.MCP.Disable {
		log.Printf("[fasto] MCP disabled; serving bridge only")
		<-ctx.Done()
		return nil
	}

	server, err := a.mcpServer()
	if err != nil {
		return fmt.Errorf("initialize MCP server: %w", err)
	}
	var startErr error
	if cfg.MCP.SSEPort > 0 {
		log.Printf("[fasto] starting MCP SSE server on port %d", cfg.MCP.SSEPort)
		startErr = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		log.Printf("[fasto] starting MCP stdio server")
		startErr = server.Start(ctx)
	}
	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		return fmt.Errorf("server exited: %w", startErr)
	}
	return nil
}

func resolveCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "resolve <text>",
		Short: "Show which destination a phrase navigates to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(cfg.Assistant)
			if err != nil {
				return err
			}
			text := strings.Join(args, " ")
			entry, ok := navigation.NewResolver(catalog).Resolve(text)
			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"text":       text,
					"normalized": navigation.Normalize(text),
					"matched":    ok,
					"entry":      entry,
				})
			}
			if !ok {
				fmt.Fprintf(out, "no destination for %q (normalized %q)\n", text, navigation.Normalize(text))
				return nil
			}
			fmt.Fprintf(out, "%s -> %s", entry.Label, entry.URL)
			if entry.Subtab != "" {
				fmt.Fprintf(out, " (tab %s)", entry.Subtab)
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the match as JSON")
	return cmd
}

func workflowsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List compiled and loaded workflow definitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			registry, err := loadWorkflows(cfg.Workflows)
			if err != nil {
				return err
			}
			defs := registry.List()
			sort.Slice(defs, func(i, j int) bool { return defs[i].Type < defs[j].Type })

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tSTEPS\tSOURCE\tTRIGGERS")
			for _, d := range defs {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", d.Type, len(d.Steps), d.Source, strings.Join(d.Triggers, ", "))
			}
			return w.Flush()
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a .fasto workspace with a config template",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			if err := config.InitWorkspace(root); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s workspace in %s\n", config.WorkspaceDirName, root)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fasto %s\n", version)
		},
	}
}

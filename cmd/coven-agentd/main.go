// ABOUTME: Entry point for coven-agentd, the reliable-messaging command agent
// ABOUTME: Subcommands run the agent and inspect its request store

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/2389/coven-agentd/internal/agent"
	"github.com/2389/coven-agentd/internal/auth"
	"github.com/2389/coven-agentd/internal/config"
	"github.com/2389/coven-agentd/internal/messaging"
	"github.com/2389/coven-agentd/internal/store"
)

// Version is set at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __         __ _  __ _  ___ _ __ | |_ __| |
 / __/ _ \ \ / / _ \ '_ \ _____ / _' |/ _' |/ _ \ '_ \| __/ _' |
| (_| (_) \ V /  __/ | | |_____| (_| | (_| |  __/ | | | || (_| |
 \___\___/ \_/ \___|_| |_|      \__,_|\__, |\___|_| |_|\__\__,_|
                                      |___/
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	agent.Version = version
	return &cli.App{
		Name:    "coven-agentd",
		Usage:   "run commands for a controller over a reliable request/reply protocol",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "config file (.yaml or .toml)",
				EnvVars: []string{"COVEN_AGENTD_CONFIG"},
			},
		},
		DefaultCommand: "serve",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "connect to the controller and serve requests",
				Action: runServe,
			},
			{
				Name:   "clear-lost",
				Usage:  "mark requests unanswered by a previous run as LOST",
				Action: runClearLost,
			},
			{
				Name:    "requests",
				Aliases: []string{"jobs"},
				Usage:   "list recent requests, or one request's message ledger",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 20, Usage: "maximum requests to list"},
					&cli.StringFlag{Name: "id", Usage: "show the message ledger of this request"},
				},
				Action: runRequests,
			},
			{
				Name:  "token",
				Usage: "mint a bearer token for this agent from controller.jwt_secret",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour, Usage: "token lifetime"},
				},
				Action: runToken,
			},
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, string, error) {
	path := config.ResolvePath(c.String("config"))
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(c *cli.Context) error {
	cfg, path, err := loadConfig(c)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("Agent:      %s\n", cfg.Agent.ID)
	green.Print("    ▶ ")
	fmt.Printf("Controller: %s (%s)\n", cfg.Controller.URL, cfg.Controller.Transport)
	green.Print("    ▶ ")
	fmt.Printf("Database:   %s\n", cfg.Database.Path)
	fmt.Println()

	logger, err := setupLogger(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	logger.Info("starting coven-agentd", "config", path, "version", version)

	a, err := agent.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}
	return a.Run(c.Context)
}

func openStore(c *cli.Context) (*store.SQLiteStore, error) {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

func runClearLost(c *cli.Context) error {
	s, err := openStore(c)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.ClearLost(c.Context)
	if err != nil {
		return err
	}
	fmt.Printf("marked %d request(s) as %s\n", n, store.StateLost)
	return nil
}

func runRequests(c *cli.Context) error {
	s, err := openStore(c)
	if err != nil {
		return err
	}
	defer s.Close()

	if id := c.String("id"); id != "" {
		return printLedger(c.Context, s, id)
	}

	reqs, err := s.ListRequests(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		fmt.Println("no requests recorded")
		return nil
	}
	for _, r := range reqs {
		fmt.Printf("%s  %-36s  %-20s  %s\n",
			color.HiBlackString(r.UpdatedAt.Local().Format("2006-01-02 15:04:05")),
			r.RequestID,
			r.Command,
			stateColor(r.State).Sprint(r.State),
		)
	}
	return nil
}

func printLedger(ctx context.Context, s store.Store, id string) error {
	req, err := s.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s  state=%s\n", color.CyanString(req.RequestID), req.Command, stateColor(req.State).Sprint(req.State))

	events, err := s.ListEvents(ctx, id)
	if err != nil {
		return err
	}
	for _, e := range events {
		arrow := color.GreenString("<-")
		if e.Direction == store.DirectionOutbound {
			arrow = color.YellowString("->")
		}
		fmt.Printf("  %s %s %-6s %s\n",
			color.HiBlackString(e.Timestamp.Local().Format("15:04:05.000")),
			arrow, e.Type, e.MessageID)
	}
	return nil
}

func stateColor(state string) *color.Color {
	switch state {
	case string(messaging.ReplyStateCleanup):
		return color.New(color.FgGreen)
	case string(messaging.ReplyStateNacked):
		return color.New(color.FgYellow)
	case store.StateLost:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.FgCyan)
	}
}

func runToken(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Controller.JWTSecret == "" {
		return fmt.Errorf("controller.jwt_secret is not set")
	}
	tok, err := auth.NewJWTVerifier([]byte(cfg.Controller.JWTSecret)).Generate(cfg.Agent.ID, c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

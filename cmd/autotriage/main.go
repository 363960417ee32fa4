package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/triagekit/autotriage/internal/agent"
	"github.com/triagekit/autotriage/internal/config"
	"github.com/triagekit/autotriage/internal/db"
	ghclient "github.com/triagekit/autotriage/internal/github"
	"github.com/triagekit/autotriage/internal/orchestrator"
	"github.com/triagekit/autotriage/internal/server"
	"github.com/triagekit/autotriage/internal/statuscomment"
	"github.com/triagekit/autotriage/internal/webhook"
)

var version = "dev"

const defaultAddr = "127.0.0.1:7870"

func usage() {
	fmt.Fprintf(os.Stderr, `autotriage: automated issue triage and PR generation

Usage:
  autotriage serve [flags]   Start the HTTP server (default %s)

Flags:
  --addr        Address to listen on (default: %s)
  --config      Path to the YAML config file
  --agent-url   Override the agent task service endpoint (env: AUTOTRIAGE_AGENT_URL)
  --github-url  Override the GitHub API endpoint (env: AUTOTRIAGE_GITHUB_URL)
`, defaultAddr, defaultAddr)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	rest := os.Args[2:]

	var err error
	switch subcmd {
	case "serve":
		err = runServe(rest)
	case "--version", "version":
		fmt.Println("autotriage " + version)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "autotriage %s: %v\n", subcmd, err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	addr := ""
	configPath := ""
	agentURL := os.Getenv("AUTOTRIAGE_AGENT_URL")
	githubURL := os.Getenv("AUTOTRIAGE_GITHUB_URL")

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			if i+1 < len(args) {
				addr = args[i+1]
				i++
			}
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--agent-url":
			if i+1 < len(args) {
				agentURL = args[i+1]
				i++
			}
		case "--github-url":
			if i+1 < len(args) {
				githubURL = args[i+1]
				i++
			}
		}
	}

	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.ListenAddr
	}
	if agentURL == "" {
		agentURL = cfg.Agent.Endpoint
	}
	if githubURL == "" {
		githubURL = cfg.GitHub.BaseURL
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath, err = db.DefaultPath()
		if err != nil {
			return fmt.Errorf("determining database path: %w", err)
		}
	}
	database, err := db.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	var agentOpts []agent.Option
	if agentURL != "" {
		agentOpts = append(agentOpts, agent.WithEndpoint(agentURL))
	}
	agentClient := agent.New(cfg.Agent.APIKey, agentOpts...)

	// Tracker credentials are optional; without them no status comments are
	// posted and the comment-scan fallback is unavailable.
	var gh *ghclient.Client
	if cfg.GitHub.Token != "" || cfg.GitHub.App != nil {
		var ghOpts []ghclient.Option
		if githubURL != "" {
			ghOpts = append(ghOpts, ghclient.WithBaseURL(githubURL+"/"))
		}
		if cfg.GitHub.App != nil {
			ghOpts = append(ghOpts, ghclient.WithAppAuth(ghclient.AppCredentials{
				ClientID:       cfg.GitHub.App.ClientID,
				InstallationID: cfg.GitHub.App.InstallationID,
				PrivateKeyPath: cfg.GitHub.App.PrivateKeyPath,
			}))
		}
		gh, err = ghclient.New(cfg.GitHub.Token, ghOpts...)
		if err != nil {
			return fmt.Errorf("creating github client: %w", err)
		}
	}

	hub := server.NewHub(logger)

	orchCfg := orchestrator.Config{
		Store:    database,
		Agent:    agentClient,
		Notifier: hub,
		Logger:   logger,
	}
	if gh != nil {
		orchCfg.Commenter = &commenter{gh: gh}
	}
	orch := orchestrator.New(orchCfg)

	var webhookHandler *webhook.Handler
	if cfg.Webhook.Secret != "" {
		webhookHandler = webhook.New(webhook.Config{
			Secret:       cfg.Webhook.Secret,
			Orchestrator: orch,
			RepoPatterns: cfg.Webhook.Repos,
			Logger:       logger,
		})
	} else {
		logger.Warn("webhook secret not configured, webhook endpoint disabled")
	}

	serverCfg := server.Config{
		DB:           database,
		Orchestrator: orch,
		Hub:          hub,
		Auth:         server.StaticTokenAuth{Token: cfg.APIToken, UserID: cfg.APIUser},
		Logger:       logger,
	}
	if webhookHandler != nil {
		serverCfg.Webhook = webhookHandler
	}
	if cfg.StatusSource == "comments" {
		serverCfg.TriageSource = &server.CommentTriageSource{
			Reader: statuscomment.NewReader(gh),
		}
	}

	srv, err := server.New(addr, serverCfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	logger.Info("autotriage serving", "addr", srv.Addr(), "version", version, "db", dbPath)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return srv.Close()
	case err := <-errCh:
		return err
	}
}

// commenter adapts the github client to the orchestrator's Commenter
// interface, dropping the posted comment the orchestrator has no use for.
type commenter struct {
	gh *ghclient.Client
}

func (c *commenter) PostIssueComment(ctx context.Context, owner, repo string, number int, body string) error {
	_, err := c.gh.PostIssueComment(ctx, owner, repo, number, body)
	return err
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/h1v3-io/orbit/internal/app"
	"github.com/h1v3-io/orbit/internal/config"
	"github.com/h1v3-io/orbit/internal/draft"
	"github.com/h1v3-io/orbit/internal/helpdesk"
	"github.com/h1v3-io/orbit/internal/locale"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp() *cli.App {
	a := &cli.App{
		Name:    "orbitctl",
		Usage:   "OrbIT helpdesk assistant operations",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"ORBIT_CONFIG"}, Usage: "Config JSON file (default: ORBIT_ environment)"},
			&cli.StringFlag{Name: "env-file", Value: ".env", Usage: "Optional KEY=value file loaded first"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Log to stderr at debug level"},
		},
		Commands: []*cli.Command{
			configCmd(),
			ingestCmd(),
			sourcesCmd(),
			searchCmd(),
			draftsCmd(),
			ticketsCmd(),
		},
	}
	// Errors are returned to main instead of exiting inside Run.
	a.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return a
}

func configCmd() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Configuration helpers",
		Subcommands: []*cli.Command{
			{
				Name:  "validate",
				Usage: "Load and validate the configuration",
				Action: func(c *cli.Context) error {
					if _, err := loadConfig(c); err != nil {
						return cli.Exit("invalid: "+err.Error(), 1)
					}
					fmt.Fprintln(c.App.Writer, "config is valid")
					return nil
				},
			},
		},
	}
}

// ingestCmd creates the ingest command.
func ingestCmd() *cli.Command {
	return &cli.Command{
		Name:      "ingest",
		Usage:     "Fetch and index documentation sources (all configured sources by default)",
		ArgsUsage: "[url...]",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return outputError(err)
			}
			kb, err := openKnowledge(c, cfg)
			if err != nil {
				return outputError(err)
			}
			defer kb.Close()

			sources := cfg.Knowledge.Sources
			if c.NArg() > 0 {
				sources = c.Args().Slice()
			}
			if len(sources) == 0 {
				return outputError(errors.New("no sources configured"))
			}
			st := kb.Ingester.IngestAll(c.Context, sources)
			if err := outputJSON(c.App.Writer, st); err != nil {
				return err
			}
			if st.Failed > 0 {
				return cli.Exit(fmt.Sprintf("%d source(s) failed", st.Failed), 1)
			}
			return nil
		},
	}
}

func sourcesCmd() *cli.Command {
	return &cli.Command{
		Name:  "sources",
		Usage: "List indexed sources",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return outputError(err)
			}
			kb, err := openKnowledge(c, cfg)
			if err != nil {
				return outputError(err)
			}
			defer kb.Close()

			srcs, err := kb.Index.Sources(c.Context)
			if err != nil {
				return outputError(err)
			}
			for _, s := range srcs {
				fmt.Fprintf(c.App.Writer, "%-60s %4d  %s\n", s.URL, s.Chunks, s.IngestedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

// searchCmd runs a retrieval query against the index.
func searchCmd() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Show the passages retrieved for a question",
		ArgsUsage: "<question>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "top", Aliases: []string{"k"}, Value: 5, Usage: "Passages to return"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return outputError(errors.New("question is required"))
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return outputError(err)
			}
			kb, err := openKnowledge(c, cfg)
			if err != nil {
				return outputError(err)
			}
			defer kb.Close()

			passages, err := kb.Retriever.Retrieve(c.Context, strings.Join(c.Args().Slice(), " "), c.Int("top"))
			if err != nil {
				return outputError(err)
			}
			for _, p := range passages {
				fmt.Fprintf(c.App.Writer, "%.3f  %s\n       %s\n", p.Score, p.Title, p.URL)
			}
			return nil
		},
	}
}

// draftsCmd inspects and clears per-conversation drafts.
func draftsCmd() *cli.Command {
	return &cli.Command{
		Name:  "drafts",
		Usage: "Inspect conversation drafts",
		Subcommands: []*cli.Command{
			{
				Name:      "show",
				Usage:     "Print the draft stored for a conversation key",
				ArgsUsage: "<key>",
				Action: func(c *cli.Context) error {
					return withDrafts(c, func(ctx context.Context, s draft.Store, key string) error {
						d, err := s.Get(ctx, key)
						if err != nil {
							return outputError(err)
						}
						return outputJSON(c.App.Writer, d)
					})
				},
			},
			{
				Name:      "reset",
				Usage:     "Delete the draft of a conversation key",
				ArgsUsage: "<key>",
				Action: func(c *cli.Context) error {
					return withDrafts(c, func(ctx context.Context, s draft.Store, key string) error {
						if err := s.Delete(ctx, key); err != nil {
							if errors.Is(err, draft.ErrNotFound) {
								return cli.Exit("no draft for "+key, 1)
							}
							return outputError(err)
						}
						fmt.Fprintln(c.App.Writer, "draft reset")
						return nil
					})
				},
			},
		},
	}
}

func withDrafts(c *cli.Context, fn func(context.Context, draft.Store, string) error) error {
	if c.NArg() != 1 {
		return outputError(errors.New("exactly one conversation key is required"))
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return outputError(err)
	}
	s, err := app.OpenDrafts(c.Context, cfg)
	if err != nil {
		return outputError(err)
	}
	defer s.Close()
	return fn(c.Context, s, c.Args().First())
}

// ticketsCmd lists tickets as the helpdesk sees them for a requester.
func ticketsCmd() *cli.Command {
	return &cli.Command{
		Name:  "tickets",
		Usage: "Query the helpdesk",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List a requester's tickets",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Aliases: []string{"e"}, Required: true, Usage: "Requester email"},
					&cli.BoolFlag{Name: "all", Usage: "Include closed tickets"},
				},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return outputError(err)
					}
					locales, err := locale.Load(cfg.Server.LocaleFile)
					if err != nil {
						return outputError(err)
					}
					client := app.Helpdesk(cfg, locales, logger(c))
					tickets, err := client.ListTickets(c.Context,
						helpdesk.Requester{Email: c.String("email")},
						helpdesk.ListOptions{OpenOnly: !c.Bool("all")})
					if err != nil {
						return outputError(err)
					}
					for _, t := range tickets {
						owner := "-"
						if t.Owner != nil {
							owner = strings.TrimSpace(t.Owner.Firstname + " " + t.Owner.Lastname)
						}
						fmt.Fprintf(c.App.Writer, "#%-8s %-8s %-20s %s\n", t.Number, t.State, owner, t.Title)
					}
					return nil
				},
			},
		},
	}
}

// --- Helpers ---

func loadConfig(c *cli.Context) (*config.Config, error) {
	if err := config.LoadDotEnv(c.String("env-file")); err != nil {
		return nil, err
	}
	return app.LoadConfig(c.String("config"))
}

func openKnowledge(c *cli.Context, cfg *config.Config) (*app.Knowledge, error) {
	kb, err := app.OpenKnowledge(cfg, logger(c))
	if err != nil {
		return nil, err
	}
	if kb == nil {
		return nil, errors.New("embeddings are not configured")
	}
	return kb, nil
}

func logger(c *cli.Context) *slog.Logger {
	level := slog.LevelWarn
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// outputJSON writes v as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats err for the CLI.
func outputError(err error) error {
	return cli.Exit(err.Error(), 1)
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/agent"
	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/backup"
	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/config"
)

type contextKey string

const agentKey contextKey = "agent"

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(logger, level).RunContext(ctx, os.Args); err != nil {
		logger.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// buildSettings layers command-line flags over the environment.
func buildSettings(c *cli.Context) config.Settings {
	settings := config.FromEnv()
	if v := c.String("bucket"); v != "" {
		settings.Bucket = v
	}
	if v := c.String("endpoint"); v != "" {
		settings.Endpoint = v
	}
	if v := c.String("region"); v != "" {
		settings.Region = v
	}
	if v := c.String("prefix"); v != "" {
		settings.Prefix = v
	}
	return settings
}

func newApp(logger *slog.Logger, level *slog.LevelVar) *cli.App {
	initAgent := func(c *cli.Context) error {
		if c.Bool("verbose") {
			level.Set(slog.LevelDebug)
		}
		a, err := agent.Connect(c.Context, buildSettings(c), logger)
		if err != nil {
			return fmt.Errorf("failed to connect to backup storage: %w", err)
		}
		c.Context = context.WithValue(c.Context, agentKey, a)
		return nil
	}

	agentFrom := func(c *cli.Context) *agent.Agent {
		return c.Context.Value(agentKey).(*agent.Agent)
	}

	return &cli.App{
		Name:  "backupctl",
		Usage: "Inspect and manage backups in S3-compatible storage",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "bucket",
				Usage:   "S3 bucket holding the backups",
				EnvVars: []string{"S3_BUCKET"},
			},
			&cli.StringFlag{
				Name:    "endpoint",
				Usage:   "Custom S3 endpoint URL, for non-AWS stores",
				EnvVars: []string{"AWS_ENDPOINT_URL"},
			},
			&cli.StringFlag{
				Name:    "region",
				Usage:   "AWS region",
				EnvVars: []string{"AWS_REGION"},
			},
			&cli.StringFlag{
				Name:    "prefix",
				Usage:   "Key prefix the backups live under",
				EnvVars: []string{"S3_PREFIX"},
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List all backups, newest first",
				Before: initAgent,
				Action: func(c *cli.Context) error {
					records, err := agentFrom(c).List(c.Context)
					if err != nil {
						return err
					}
					if len(records) == 0 {
						fmt.Println("No backups found.")
						return nil
					}

					w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tNAME\tCREATED\tSIZE\tPROTECTED")
					for _, r := range records {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
							r.ID, r.Name, r.CreatedAt.Format(time.RFC3339),
							humanize.IBytes(uint64(r.SizeBytes)), r.Protected)
					}
					return w.Flush()
				},
			},
			{
				Name:      "get",
				Usage:     "Show one backup's details",
				ArgsUsage: "<backup-id>",
				Before:    initAgent,
				Action: func(c *cli.Context) error {
					id := c.Args().First()
					if id == "" {
						return cli.Exit("usage: backupctl get <backup-id>", 2)
					}
					record, err := agentFrom(c).Get(c.Context, id)
					if err != nil {
						return err
					}
					fmt.Printf("ID:         %s\n", record.ID)
					fmt.Printf("Name:       %s\n", record.Name)
					fmt.Printf("Created:    %s\n", record.CreatedAt.Format(time.RFC3339))
					fmt.Printf("Size:       %s\n", humanize.IBytes(uint64(record.SizeBytes)))
					fmt.Printf("Protected:  %t\n", record.Protected)
					return nil
				},
			},
			{
				Name:  "create",
				Usage: "Upload a new backup archive",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "id",
						Usage: "Backup id (defaults to a random UUID)",
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "Human-readable backup name",
						Value: "Manual backup",
					},
					&cli.StringFlag{
						Name:  "file",
						Usage: "Archive file to upload (defaults to stdin)",
					},
					&cli.BoolFlag{
						Name:  "protected",
						Usage: "Mark the archive as password protected",
					},
				},
				Before: initAgent,
				Action: func(c *cli.Context) error {
					var source io.Reader = os.Stdin
					var size int64
					if path := c.String("file"); path != "" && path != "-" {
						f, err := os.Open(path)
						if err != nil {
							return fmt.Errorf("failed to open archive: %w", err)
						}
						defer f.Close()
						info, err := f.Stat()
						if err != nil {
							return fmt.Errorf("failed to stat archive: %w", err)
						}
						source, size = f, info.Size()
					}

					id := c.String("id")
					if id == "" {
						id = uuid.NewString()
					}
					record := backup.Record{
						ID:        id,
						Name:      c.String("name"),
						CreatedAt: time.Now().UTC(),
						SizeBytes: size,
						Protected: c.Bool("protected"),
					}

					record, err := agentFrom(c).Create(c.Context, record, source)
					if err != nil {
						return err
					}
					fmt.Printf("Backup %s created\n", record.ID)
					return nil
				},
			},
			{
				Name:      "fetch",
				Usage:     "Download a backup archive",
				ArgsUsage: "<backup-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "output",
						Usage: "Destination file, or - for stdout (defaults to <id>.tar)",
					},
				},
				Before: initAgent,
				Action: func(c *cli.Context) error {
					id := c.Args().First()
					if id == "" {
						return cli.Exit("usage: backupctl fetch <backup-id>", 2)
					}

					out := c.String("output")
					if out == "-" {
						stream, err := agentFrom(c).Fetch(c.Context, id)
						if err != nil {
							return err
						}
						defer stream.Close()
						_, err = io.Copy(os.Stdout, stream)
						return err
					}

					if out == "" {
						out = id + ".tar"
					}
					n, err := agentFrom(c).FetchToFile(c.Context, id, out)
					if err != nil {
						return err
					}
					fmt.Printf("Backup %s written to %s (%s)\n", id, out, humanize.IBytes(uint64(n)))
					return nil
				},
			},
			{
				Name:      "remove",
				Usage:     "Delete a backup (succeeds if already absent)",
				ArgsUsage: "<backup-id>",
				Before:    initAgent,
				Action: func(c *cli.Context) error {
					id := c.Args().First()
					if id == "" {
						return cli.Exit("usage: backupctl remove <backup-id>", 2)
					}
					if err := agentFrom(c).Remove(c.Context, id); err != nil {
						return err
					}
					fmt.Printf("Backup %s removed\n", id)
					return nil
				},
			},
			{
				Name:  "prune",
				Usage: "Delete the oldest backups beyond a keep count",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "keep",
						Usage:   "Number of newest backups to keep",
						Value:   7,
						EnvVars: []string{"BACKUP_RETENTION"},
					},
				},
				Before: initAgent,
				Action: func(c *cli.Context) error {
					removed, err := agentFrom(c).Prune(c.Context, c.Int("keep"))
					if err != nil {
						return err
					}
					if len(removed) == 0 {
						fmt.Println("Nothing to prune.")
						return nil
					}
					for _, id := range removed {
						fmt.Printf("Removed %s\n", id)
					}
					return nil
				},
			},
			{
				Name:  "sweep",
				Usage: "Abort stale multipart uploads left by crashed agents",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "older-than",
						Usage: "Only abort uploads started before this long ago",
						Value: 24 * time.Hour,
					},
				},
				Before: initAgent,
				Action: func(c *cli.Context) error {
					swept, err := agentFrom(c).SweepStaleUploads(c.Context, c.Duration("older-than"))
					if err != nil {
						return err
					}
					fmt.Printf("Aborted %d stale upload(s)\n", swept)
					return nil
				},
			},
		},
	}
}

package main

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/sealbook/internal"
	"github.com/starford/sealbook/internal/archive"
	"github.com/starford/sealbook/internal/engine"
	"github.com/starford/sealbook/internal/presence"
	pkgconfig "github.com/starford/sealbook/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.RunMCP(ctx, internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr))
}

// withEngine runs fn on an engine opened from the config. CLI commands log
// warnings only, to stderr.
func withEngine(cmd *cli.Command, fn func(e *engine.Engine) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	e, err := internal.OpenEngine(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(e)
}

func notebookArg(cmd *cli.Command) (string, error) {
	if cmd.Args().Len() != 1 {
		return "", fmt.Errorf("expected exactly one notebook name (\"\" for the root notebook)")
	}
	return cmd.Args().First(), nil
}

func fail(msg string, err error) error {
	return fmt.Errorf("%s %s: %w", color.RedString("✗"), msg, err)
}

func protect(ctx context.Context, cmd *cli.Command) error {
	nb, err := notebookArg(cmd)
	if err != nil {
		return err
	}
	return withEngine(cmd, func(e *engine.Engine) error {
		if err := e.Service.Protect(ctx, nb); err != nil {
			return fail("protect "+nb, err)
		}
		fmt.Println(color.GreenString("✓") + " Protected notebook " + color.YellowString(nb))
		return nil
	})
}

func unprotect(ctx context.Context, cmd *cli.Command) error {
	nb, err := notebookArg(cmd)
	if err != nil {
		return err
	}
	return withEngine(cmd, func(e *engine.Engine) error {
		if _, err := e.Service.Unlock(ctx, nb, cmd.String("pin")); err != nil {
			return fail("unlock "+nb, err)
		}
		if err := e.Service.Unprotect(ctx, nb); err != nil {
			return fail("unprotect "+nb, err)
		}
		fmt.Println(color.GreenString("✓") + " Unprotected notebook " + color.YellowString(nb))
		fmt.Println(color.CyanString("→") + " Its notes are stored as plain text again")
		return nil
	})
}

func export(ctx context.Context, cmd *cli.Command) error {
	out := cmd.String("out")
	return withEngine(cmd, func(e *engine.Engine) error {
		f, err := os.Create(out)
		if err != nil {
			return fail("create "+out, err)
		}
		rep, err := e.Service.Export(ctx, f, cmd.Bool("skip-locked"))
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(out)
			return fail("export", err)
		}
		fmt.Printf("%s Exported %d notes from %d notebooks to %s\n",
			color.GreenString("✓"), rep.Notes, rep.Notebooks, color.YellowString(out))
		for _, nb := range rep.Skipped {
			fmt.Println(color.CyanString("→") + " Skipped locked notebook " + color.YellowString(nb))
		}
		return nil
	})
}

func importArchive(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one archive path")
	}
	path := cmd.Args().First()
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fail("open "+path, err)
	}
	defer zr.Close()

	return withEngine(cmd, func(e *engine.Engine) error {
		rep, err := e.Service.Import(ctx, &zr.Reader)
		if err != nil {
			return fail("import", err)
		}
		printImport(os.Stdout, rep)
		return nil
	})
}

func printImport(w io.Writer, rep archive.ImportReport) {
	fmt.Fprintf(w, "%s Imported %d notes\n", color.GreenString("✓"), rep.Notes)
	for from, to := range rep.Notebooks {
		fmt.Fprintln(w, color.CyanString("→")+" "+from+" → "+color.YellowString(to))
	}
	if rep.Skipped > 0 {
		fmt.Fprintf(w, "%s Skipped %d entries\n", color.CyanString("→"), rep.Skipped)
	}
}

func stats(ctx context.Context, cmd *cli.Command) error {
	return withEngine(cmd, func(e *engine.Engine) error {
		st, err := e.Service.Stats(ctx)
		if err != nil {
			return fail("stats", err)
		}
		nbs, err := e.Service.ListNotebooks(ctx)
		if err != nil {
			return fail("list notebooks", err)
		}
		fmt.Printf("Notebooks: %d\nNotes:     %d\nBytes:     %d\n", st.NotebookCount, st.NoteCount, st.TotalBytes)
		for _, nb := range nbs {
			name := nb.Path
			if name == "" {
				name = "(root)"
			}
			mark := "  "
			if nb.IsEncrypted {
				mark = color.YellowString("🔒")
			}
			fmt.Printf("%s %s (%d)\n", mark, name, nb.NoteCount)
		}
		return nil
	})
}

func resume(ctx context.Context, cmd *cli.Command) error {
	return withEngine(cmd, func(e *engine.Engine) error {
		rep, err := e.Service.Resume(ctx)
		if err != nil {
			return fail("resume", err)
		}
		if len(rep.Completed)+len(rep.Pending)+len(rep.Failed) == 0 {
			fmt.Println(color.GreenString("✓") + " No interrupted transitions")
			return nil
		}
		for _, nb := range rep.Completed {
			fmt.Println(color.GreenString("✓") + " Finished " + color.YellowString(nb))
		}
		for _, nb := range rep.Pending {
			fmt.Println(color.CyanString("→") + " " + color.YellowString(nb) + " needs " +
				color.YellowString("sealbook unprotect "+nb+" --pin ...") + " to finish")
		}
		for _, nb := range rep.Failed {
			fmt.Println(color.RedString("✗") + " Could not resume " + color.YellowString(nb))
		}
		return nil
	})
}

func hashPIN(_ context.Context, cmd *cli.Command) error {
	pin := cmd.String("pin")
	if pin == "" && cmd.Args().Len() == 1 {
		pin = cmd.Args().First()
	}
	if pin == "" {
		return fmt.Errorf("a PIN is required")
	}
	enc, err := presence.HashPIN(pin)
	if err != nil {
		return err
	}
	fmt.Println(enc)
	return nil
}

func main() {
	pinFlag := &cli.StringFlag{
		Name:    "pin",
		Usage:   "PIN for presence mode \"pin\"",
		Sources: cli.EnvVars("SEALBOOK_PIN"),
	}

	cmd := &cli.Command{
		Name:   "sealbook",
		Usage:  "Local notebook engine with per-notebook encryption",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file (.yaml or .toml)",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API (default)",
				Action: serve,
			},
			{
				Name:   "mcp",
				Usage:  "Serve MCP tools on stdio",
				Action: serveMCP,
			},
			{
				Name:      "protect",
				Usage:     "Encrypt every note of a notebook",
				ArgsUsage: "NOTEBOOK",
				Action:    protect,
			},
			{
				Name:      "unprotect",
				Usage:     "Decrypt every note of a notebook and delete its key",
				ArgsUsage: "NOTEBOOK",
				Flags:     []cli.Flag{pinFlag},
				Action:    unprotect,
			},
			{
				Name:  "export",
				Usage: "Write readable notes to a zip archive",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Archive path", Value: "sealbook-export.zip"},
					&cli.BoolFlag{Name: "skip-locked", Usage: "Omit protected notebooks instead of failing"},
				},
				Action: export,
			},
			{
				Name:      "import",
				Usage:     "Add the notes of a zip archive as new notebooks",
				ArgsUsage: "ARCHIVE",
				Action:    importArchive,
			},
			{
				Name:   "stats",
				Usage:  "Print notes tree statistics",
				Action: stats,
			},
			{
				Name:   "resume",
				Usage:  "Finish protect or unprotect runs interrupted by a crash",
				Action: resume,
			},
			{
				Name:      "hash-pin",
				Usage:     "Print the presence.pin_hash value for a PIN",
				ArgsUsage: "[PIN]",
				Flags:     []cli.Flag{pinFlag},
				Action:    hashPIN,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

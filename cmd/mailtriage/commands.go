package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/nhle/mailtriage/internal/app"
	"github.com/nhle/mailtriage/internal/credential"
	"github.com/nhle/mailtriage/internal/email"
	"github.com/nhle/mailtriage/internal/logsink"
	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/store"
	appsync "github.com/nhle/mailtriage/internal/sync"
	"github.com/nhle/mailtriage/internal/triage"
)

// shutdownTimeout bounds how long exit waits for the worker to reach a
// checkpoint.
const shutdownTimeout = 5 * time.Second

// loadConfig reads the configuration and applies global flag overrides.
func loadConfig(c *cli.Context) (string, *model.AppConfig, error) {
	path := c.String("config")
	if path == "" {
		path = model.DefaultConfigPath()
	}

	cfg, err := model.LoadConfig(path)
	if err != nil {
		return "", nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if c.Bool("dry-run") {
		cfg.Triage.DryRun = true
	}
	return path, cfg, nil
}

// bootstrap opens everything a triage run needs. stderr tees the log to
// the terminal, which only the headless commands want.
func bootstrap(c *cli.Context, stderr bool) (*app.Env, func(), error) {
	path, cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}

	sink := logsink.New(cfg.Log.BufferLines)
	logger, closeLog, err := logsink.NewLogger(sink, logsink.Options{
		Level:  cfg.Log.Level,
		File:   cfg.Log.File,
		Stderr: stderr,
	})
	if err != nil {
		return nil, nil, err
	}

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		closeLog()
		return nil, nil, err
	}

	rules, err := st.GetRules(c.Context)
	if err != nil {
		_ = st.Close()
		closeLog()
		return nil, nil, err
	}

	env := &app.Env{
		ConfigPath: path,
		Config:     cfg,
		Store:      st,
		Rules:      model.NewLiveRules(rules),
		Sink:       sink,
		Logger:     logger,
	}

	cleanup := func() {
		if err := st.Close(); err != nil {
			logger.Warn("closing store", zap.Error(err))
		}
		closeLog()
	}
	return env, cleanup, nil
}

// waitStopped stops the controller and waits for its worker.
func waitStopped(ctrl *triage.Controller) {
	loop := ctrl.Current()
	if loop == nil {
		return
	}
	loop.Stop()

	select {
	case <-loop.Done():
	case <-time.After(shutdownTimeout):
	}
}

func runTUI(c *cli.Context) error {
	env, cleanup, err := bootstrap(c, false)
	if err != nil {
		return err
	}
	defer cleanup()

	m := app.New(env)
	defer waitStopped(m.Controller())

	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		return fmt.Errorf("running terminal UI: %w", err)
	}
	return nil
}

// runOnce performs a single poll and prints its report. A rejected login
// is followed by the app-password guidance the loop logs on its own.
func runOnce(
	ctx context.Context,
	cfg model.TriageConfig,
	deps triage.Deps,
	logger *zap.Logger,
	out io.Writer,
) error {
	report, err := triage.NewLoop(cfg, deps).RunOnce(ctx)
	fmt.Fprintln(out, appsync.FormatReport(&report))
	if err != nil {
		if triage.IsAuthError(err) {
			triage.LogAuthGuidance(logger, err)
		}
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

func runHeadless(c *cli.Context) error {
	env, cleanup, err := bootstrap(c, true)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg, err := env.Snapshot()
	if err != nil {
		return err
	}
	if err := triage.Validate(cfg); err != nil {
		return cli.Exit(err.Error(), 2)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Bool("once") {
		deps, err := app.NewDepsFactory(env.Rules, env.Logger)(cfg)
		if err != nil {
			return err
		}
		return runOnce(ctx, cfg, deps, env.Logger, os.Stdout)
	}

	ctrl := env.NewController()
	loop, err := ctrl.Start(cfg)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			env.Logger.Info("interrupt received, stopping")
			waitStopped(ctrl)
			return nil
		case ev := <-ctrl.Events():
			if ev.Report != nil {
				env.Logger.Info("poll summary", zap.String("summary", appsync.FormatReport(ev.Report)))
			}
		case <-loop.Done():
			var authErr *triage.AuthError
			if errors.As(loop.Err(), &authErr) {
				return cli.Exit("mailbox login rejected; update the app password", 2)
			}
			return nil
		}
	}
}

func runCheck(c *cli.Context) error {
	env, cleanup, err := bootstrap(c, true)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg, err := env.Snapshot()
	if err != nil {
		return err
	}
	if cfg.Credentials.Secret == "" {
		return cli.Exit("no mailbox password stored; run 'mailtriage secret set password'", 2)
	}

	ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	n, err := email.NewMailbox().CountUnread(ctx, cfg.Credentials)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Printf("%s: %d unread message(s)\n", cfg.Credentials.Address, n)
	return nil
}

func openStore(c *cli.Context) (*store.SQLiteStore, error) {
	_, cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(cfg.DBPath)
}

func rulesShow(c *cli.Context) error {
	st, err := openStore(c)
	if err != nil {
		return err
	}
	defer st.Close()

	rs, err := st.GetRules(c.Context)
	if err != nil {
		return err
	}
	fmt.Println(rs.Text)
	return nil
}

func rulesSet(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: mailtriage rules set <file|->", 2)
	}

	var text []byte
	var err error
	if src := c.Args().First(); src == "-" {
		text, err = io.ReadAll(os.Stdin)
	} else {
		text, err = os.ReadFile(src)
	}
	if err != nil {
		return fmt.Errorf("reading rules: %w", err)
	}

	st, err := openStore(c)
	if err != nil {
		return err
	}
	defer st.Close()

	rs, err := st.SaveRules(c.Context, string(text))
	if err != nil {
		return err
	}
	fmt.Printf("rules saved (%d chars)\n", len([]rune(rs.Text)))
	return nil
}

func rulesHistory(c *cli.Context) error {
	st, err := openStore(c)
	if err != nil {
		return err
	}
	defer st.Close()

	revs, err := st.RuleHistory(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}
	for _, r := range revs {
		first, _, _ := strings.Cut(r.Text, "\n")
		fmt.Printf("%s  %s\n", r.UpdatedAt.Local().Format("2006-01-02 15:04:05"), first)
	}
	return nil
}

// secretKey maps a command-line name to the keyring key.
func secretKey(name string) (string, error) {
	switch name {
	case "password":
		return credential.KeyMailboxPassword, nil
	case "apikey":
		return credential.KeyAnalysisAPIKey, nil
	default:
		return "", cli.Exit(fmt.Sprintf("unknown secret %q (want password or apikey)", name), 2)
	}
}

func secretSet(c *cli.Context) error {
	key, err := secretKey(c.Args().First())
	if err != nil {
		return err
	}

	fmt.Fprint(os.Stderr, "value: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading secret: %w", err)
	}
	value := strings.TrimSpace(line)
	if value == "" {
		return cli.Exit("empty secret", 2)
	}

	return credential.Set(key, value)
}

func secretDelete(c *cli.Context) error {
	key, err := secretKey(c.Args().First())
	if err != nil {
		return err
	}
	return credential.Delete(key)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"pairterm/internal/appinfo"
	"pairterm/internal/config"
	"pairterm/internal/digest"
	"pairterm/internal/maintain"
	"pairterm/internal/presence"
	"pairterm/internal/runlog"
	"pairterm/internal/sdk"
	"pairterm/internal/transcript"
	"pairterm/internal/tui"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(appinfo.Name, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "path to config.yaml")
	vendor := fs.String("vendor", "", "agent runtime override: claude, opencode or copilot")
	logFile := fs.String("log", "", "log file override")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Parse(args)

	if *showVersion {
		fmt.Println(appinfo.Display())
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*vendor) != "" {
		cfg.Vendor = *vendor
	}
	if strings.TrimSpace(*logFile) != "" {
		cfg.LogFile = *logFile
	}

	if err := os.MkdirAll(cfg.HistoryDir, 0o700); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	log, err := openLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()
	log.Logf(runlog.KindInfo, "%s %s starting (vendor=%s)", appinfo.Name, appinfo.Version, cfg.Vendor)

	client, err := sdk.New(cfg, log)
	if err != nil {
		return err
	}
	defer client.Close()

	store, err := openPresence(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	buffer := transcript.Open(cfg.HistoryDir, os.Getpid())
	restore, err := buffer.Read()
	if err != nil {
		log.Logf(runlog.KindWarn, "history restore failed: %v", err)
	} else if len(restore) > 0 {
		log.Logf(runlog.KindHistory, "restored %d messages from %s", len(restore), buffer.Path())
	}

	notifier := digest.NewNotifier(cfg.Digest, log)

	model := tui.New(context.Background(), tui.Options{
		Config:   cfg,
		Client:   client,
		Buffer:   buffer,
		Presence: store,
		Notifier: notifier,
		Log:      log,
		Restore:  restore,
	})

	program := tea.NewProgram(model, tea.WithAltScreen())

	runner, err := maintain.Start(cfg.Maintenance.Schedule, log,
		func() { program.Send(tui.PresenceRefreshMsg{}) },
		func() { program.Send(tui.HistoryFlushMsg{}) },
	)
	if err != nil {
		return err
	}
	defer runner.Stop()

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}

func openLogger(cfg config.Config) (*runlog.Logger, error) {
	path := strings.TrimSpace(cfg.LogFile)
	if path == "" {
		path = filepath.Join(filepath.Dir(cfg.HistoryDir), "pairterm.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	// Terminal output stays off while the TUI owns the screen.
	return runlog.New(runlog.Options{File: f}), nil
}

func openPresence(cfg config.Config, log *runlog.Logger) (presence.Store, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return presence.NoopStore{}, nil
	}
	store, err := presence.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("presence store: %w", err)
	}
	log.Logf(runlog.KindPresence, "presence publishing enabled")
	return store, nil
}

func defaultConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("PAIRTERM_CONFIG")); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".pairterm", "config.yaml")
}

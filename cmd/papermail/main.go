package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/99designs/keyring"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/achingono/papermail-sub000/internal/config"
	"github.com/achingono/papermail-sub000/internal/credential"
	"github.com/achingono/papermail-sub000/internal/logger"
	"github.com/achingono/papermail-sub000/internal/models"
	"github.com/achingono/papermail-sub000/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(openKeyring).Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

// keyringOpener opens the token keyring for cfg.
type keyringOpener func(cfg *config.Config) (keyring.Keyring, error)

func openKeyring(cfg *config.Config) (keyring.Keyring, error) {
	return credential.OpenKeyring(cfg.KeyringDir, cfg.KeyringPassword)
}

func newRootCommand(open keyringOpener) *cli.Command {
	return &cli.Command{
		Name:    "papermail",
		Usage:   "Read and send mail over IMAP and SMTP",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "user",
				Aliases:  []string{"u"},
				Usage:    "account to act for, usually its email address",
				Sources:  cli.EnvVars("PAPERMAIL_USER"),
				Required: true,
			},
			&cli.StringFlag{Name: "imap-host", Usage: "IMAP server host", Sources: cli.EnvVars("PAPERMAIL_IMAP_HOST")},
			&cli.IntFlag{Name: "imap-port", Usage: "IMAP server port", Value: 993, Sources: cli.EnvVars("PAPERMAIL_IMAP_PORT")},
			&cli.StringFlag{Name: "imap-tls", Usage: "auto, implicit, starttls or none", Value: string(models.TLSAuto), Sources: cli.EnvVars("PAPERMAIL_IMAP_TLS")},
			&cli.StringFlag{Name: "smtp-host", Usage: "SMTP server host (defaults to the IMAP host)", Sources: cli.EnvVars("PAPERMAIL_SMTP_HOST")},
			&cli.IntFlag{Name: "smtp-port", Usage: "SMTP submission port", Value: 587, Sources: cli.EnvVars("PAPERMAIL_SMTP_PORT")},
			&cli.StringFlag{Name: "smtp-tls", Usage: "auto, implicit, starttls or none", Value: string(models.TLSAuto), Sources: cli.EnvVars("PAPERMAIL_SMTP_TLS")},
			&cli.StringFlag{Name: "password", Usage: "static password tried when OAuth2 is refused", Sources: cli.EnvVars("PAPERMAIL_PASSWORD")},
			&cli.BoolFlag{Name: "json", Usage: "print JSON instead of text"},
			&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, Usage: "enable debug logging"},
		},
		Commands: []*cli.Command{
			loginCommand(open),
			logoutCommand(open),
			listCommand(open),
			showCommand(open),
			countCommand(open),
			sendCommand(open),
			draftCommand(open),
			markReadCommand(open),
			archiveCommand(open),
			junkCommand(open),
			deleteCommand(open),
			watchCommand(open),
		},
	}
}

// app is everything a command needs, built from the root flags.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	tokens   *credential.KeyringStore
	settings models.ConnectionSettings
	userID   string
	stack    *service.Stack
	out      io.Writer
	json     bool
}

// fixedAccount serves the settings given on the command line.
type fixedAccount struct {
	settings models.ConnectionSettings
}

func (a fixedAccount) GetConnectionSettings(context.Context, string) (models.ConnectionSettings, error) {
	return a.settings, nil
}

func newApp(ctx context.Context, cmd *cli.Command, open keyringOpener) (*app, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	zl := zap.NewNop()
	if cmd.Bool("debug") {
		zl = logger.NewDevelopmentLogger()
	}

	settings, err := settingsFromFlags(cmd)
	if err != nil {
		return nil, err
	}

	ring, err := open(cfg)
	if err != nil {
		return nil, err
	}
	tokens := credential.NewKeyringStore(ring)

	stack, err := service.NewStack(ctx, cfg, service.Deps{
		Accounts: fixedAccount{settings: settings},
		Tokens:   tokens,
		Logger:   zl,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   zl,
		tokens:   tokens,
		settings: settings,
		userID:   cmd.String("user"),
		stack:    stack,
		out:      cmd.Root().Writer,
		json:     cmd.Bool("json"),
	}, nil
}

func (a *app) close() {
	if err := a.stack.Close(); err != nil {
		a.logger.Warn("Failed to close cache connection", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func settingsFromFlags(cmd *cli.Command) (models.ConnectionSettings, error) {
	imapHost := cmd.String("imap-host")
	if imapHost == "" {
		return models.ConnectionSettings{}, fmt.Errorf("--imap-host is required")
	}
	smtpHost := cmd.String("smtp-host")
	if smtpHost == "" {
		smtpHost = imapHost
	}

	imapTLS, err := parseTLSMode(cmd.String("imap-tls"))
	if err != nil {
		return models.ConnectionSettings{}, err
	}
	smtpTLS, err := parseTLSMode(cmd.String("smtp-tls"))
	if err != nil {
		return models.ConnectionSettings{}, err
	}

	settings := models.ConnectionSettings{
		IMAP:     models.Endpoint{Host: imapHost, Port: int(cmd.Int("imap-port")), TLS: imapTLS},
		SMTP:     models.Endpoint{Host: smtpHost, Port: int(cmd.Int("smtp-port")), TLS: smtpTLS},
		Password: cmd.String("password"),
	}
	return settings, settings.Validate()
}

func parseTLSMode(s string) (models.TLSMode, error) {
	switch mode := models.TLSMode(s); mode {
	case models.TLSAuto, models.TLSImplicit, models.TLSStartTLS, models.TLSNone:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown TLS mode %q", s)
	}
}

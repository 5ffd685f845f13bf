package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/achingono/papermail-sub000/internal/credential"
	"github.com/achingono/papermail-sub000/internal/imap"
	"github.com/achingono/papermail-sub000/internal/models"
)

func folderFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "folder",
		Aliases: []string{"f"},
		Usage:   "inbox, sent, drafts, archive, junk or trash",
		Value:   string(models.FolderInbox),
	}
}

// withApp builds the app for a command action.
func withApp(open keyringOpener, action func(ctx context.Context, cmd *cli.Command, a *app) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		a, err := newApp(ctx, cmd, open)
		if err != nil {
			return err
		}
		defer a.close()
		return action(ctx, cmd, a)
	}
}

func folderOf(cmd *cli.Command) (models.FolderRole, error) {
	return models.ParseFolderRole(cmd.String("folder"))
}

func idArg(cmd *cli.Command) (models.StableID, error) {
	raw := cmd.Args().First()
	if raw == "" {
		return models.StableID{}, fmt.Errorf("a message id is required")
	}
	return models.ParseStableID(raw)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loginCommand(open keyringOpener) *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Store an OAuth2 token for the account and check it against the server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "username", Usage: "mail server username (defaults to --user)"},
			&cli.StringFlag{Name: "token", Usage: "OAuth2 access token", Sources: cli.EnvVars("PAPERMAIL_ACCESS_TOKEN"), Required: true},
			&cli.StringFlag{Name: "refresh-token", Usage: "OAuth2 refresh token", Sources: cli.EnvVars("PAPERMAIL_REFRESH_TOKEN")},
			&cli.DurationFlag{Name: "expires-in", Usage: "lifetime of the access token, 0 for unknown"},
			&cli.BoolFlag{Name: "no-verify", Usage: "store the token without connecting"},
		},
		Action: withApp(open, func(ctx context.Context, cmd *cli.Command, a *app) error {
			username := cmd.String("username")
			if username == "" {
				username = a.userID
			}
			token := credential.Token{
				Username:     username,
				AccessToken:  cmd.String("token"),
				RefreshToken: cmd.String("refresh-token"),
			}
			if d := cmd.Duration("expires-in"); d > 0 {
				token.Expiry = time.Now().Add(d)
			}
			if err := a.tokens.SaveToken(ctx, a.userID, token); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Token stored for %s\n", a.userID)

			if cmd.Bool("no-verify") {
				return nil
			}
			creds := models.Credentials{Username: token.Username, AccessToken: token.AccessToken}
			attempts, err := imap.NewClient(a.settings, creds, imap.WithLogger(a.logger)).Verify(ctx)
			for _, attempt := range attempts {
				fmt.Fprintf(a.out, "  %-8s %s\n", attempt.Mechanism, attempt.Outcome)
			}
			if err != nil {
				return fmt.Errorf("token stored but the server refused it: %w", err)
			}
			fmt.Fprintln(a.out, "Login verified")
			return nil
		}),
	}
}

func logoutCommand(open keyringOpener) *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Forget the stored token",
		Action: withApp(open, func(ctx context.Context, _ *cli.Command, a *app) error {
			if err := a.tokens.DeleteToken(ctx, a.userID); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Token removed for %s\n", a.userID)
			return nil
		}),
	}
}

func listCommand(open keyringOpener) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List one page of a folder",
		Flags: []cli.Flag{
			folderFlag(),
			&cli.IntFlag{Name: "page", Usage: "zero-based page number"},
			&cli.IntFlag{Name: "page-size", Usage: "messages per page", Value: 20},
		},
		Action: withApp(open, func(ctx context.Context, cmd *cli.Command, a *app) error {
			role, err := folderOf(cmd)
			if err != nil {
				return err
			}
			page, err := a.stack.Cache.ListFolder(ctx, a.userID, role, int(cmd.Int("page")), int(cmd.Int("page-size")))
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(page)
			}

			if page.Unavailable {
				fmt.Fprintln(a.out, "Folder is unavailable, check the stored token")
			}
			for _, e := range page.Emails {
				marker := " "
				if !e.IsRead {
					marker = "*"
				}
				fmt.Fprintf(a.out, "%s %s  %s  %-30s  %s\n",
					marker, e.ID, e.Date.Local().Format("2006-01-02 15:04"), e.From, e.Subject)
			}
			for _, f := range page.Failures {
				fmt.Fprintf(a.out, "! message %d could not be read: %s\n", f.Position, f.Reason)
			}
			return nil
		}),
	}
}

func showCommand(open keyringOpener) *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Print one message",
		ArgsUsage: "<id>",
		Flags:     []cli.Flag{folderFlag()},
		Action: withApp(open, func(ctx context.Context, cmd *cli.Command, a *app) error {
			role, err := folderOf(cmd)
			if err != nil {
				return err
			}
			id, err := idArg(cmd)
			if err != nil {
				return err
			}
			e, err := a.stack.Cache.GetEmail(ctx, a.userID, role, id)
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(e)
			}

			to := make([]string, 0, len(e.To))
			for _, addr := range e.To {
				to = append(to, addr.String())
			}
			fmt.Fprintf(a.out, "From:    %s\nTo:      %s\nDate:    %s\nSubject: %s\n\n%s\n",
				e.From, strings.Join(to, ", "), e.Date.Local().Format(time.RFC1123Z), e.Subject, e.BodyText)
			for _, att := range e.Attachments {
				fmt.Fprintf(a.out, "[attachment] %s (%s, %d bytes)\n", att.FileName, att.ContentType, att.SizeBytes)
			}
			return nil
		}),
	}
}

func countCommand(open keyringOpener) *cli.Command {
	return &cli.Command{
		Name:  "count",
		Usage: "Print message totals of every folder, or of one with --folder",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "folder", Aliases: []string{"f"}, Usage: "only this folder"},
		},
		Action: withApp(open, func(ctx context.Context, cmd *cli.Command, a *app) error {
			var counts []models.FolderCount
			if cmd.String("folder") != "" {
				role, err := folderOf(cmd)
				if err != nil {
					return err
				}
				c, err := a.stack.Cache.Count(ctx, a.userID, role)
				if err != nil {
					return err
				}
				counts = []models.FolderCount{c}
			} else {
				var err error
				if counts, err = a.stack.Cache.Counts(ctx, a.userID); err != nil {
					return err
				}
			}
			if a.json {
				return a.printJSON(counts)
			}

			for _, c := range counts {
				if c.Unavailable {
					fmt.Fprintf(a.out, "%-8s unavailable\n", c.Role)
					continue
				}
				fmt.Fprintf(a.out, "%-8s %d\n", c.Role, c.Total)
			}
			return nil
		}),
	}
}

func composeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "from", Usage: "sender address (defaults to the account username)"},
		&cli.StringSliceFlag{Name: "to", Usage: "recipient address, repeatable"},
		&cli.StringFlag{Name: "subject", Aliases: []string{"s"}},
		&cli.StringFlag{Name: "body", Aliases: []string{"b"}},
	}
}

func composed(cmd *cli.Command) (models.Email, error) {
	email := models.Email{Subject: cmd.String("subject"), BodyText: cmd.String("body")}
	if from := cmd.String("from"); from != "" {
		addr, err := models.ParseAddress(from)
		if err != nil {
			return models.Email{}, fmt.Errorf("invalid --from: %w", err)
		}
		email.From = addr
	}
	for _, raw := range cmd.StringSlice("to") {
		addr, err := models.ParseAddress(raw)
		if err != nil {
			return models.Email{}, fmt.Errorf("invalid --to %q: %w", raw, err)
		}
		email.To = append(email.To, addr)
	}
	return email, nil
}

func sendCommand(open keyringOpener) *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "Send a plain-text message and copy it to Sent",
		Flags: composeFlags(),
		Action: withApp(open, func(ctx context.Context, cmd *cli.Command, a *app) error {
			email, err := composed(cmd)
			if err != nil {
				return err
			}
			result, err := a.stack.Cache.Send(ctx, a.userID, email)
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(result)
			}

			fmt.Fprintf(a.out, "Sent %s\n", result.Email.ID)
			if !result.Mirrored {
				fmt.Fprintf(a.out, "Warning: no copy was saved to Sent: %s\n", result.MirrorError)
			}
			return nil
		}),
	}
}

func draftCommand(open keyringOpener) *cli.Command {
	return &cli.Command{
		Name:  "draft",
		Usage: "Save a plain-text message to Drafts",
		Flags: composeFlags(),
		Action: withApp(open, func(ctx context.Context, cmd *cli.Command, a *app) error {
			email, err := composed(cmd)
			if err != nil {
				return err
			}
			saved, err := a.stack.Cache.SaveDraft(ctx, a.userID, email)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Draft saved %s\n", saved.ID)
			return nil
		}),
	}
}

func markReadCommand(open keyringOpener) *cli.Command {
	return &cli.Command{
		Name:      "mark-read",
		Usage:     "Mark a message read",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			folderFlag(),
			&cli.BoolFlag{Name: "unread", Usage: "mark unread instead"},
		},
		Action: withApp(open, func(ctx context.Context, cmd *cli.Command, a *app) error {
			role, err := folderOf(cmd)
			if err != nil {
				return err
			}
			id, err := idArg(cmd)
			if err != nil {
				return err
			}
			return a.stack.Cache.SetRead(ctx, a.userID, role, id, !cmd.Bool("unread"))
		}),
	}
}

func archiveCommand(open keyringOpener) *cli.Command {
	return &cli.Command{
		Name:      "archive",
		Usage:     "Move an inbox message to Archive",
		ArgsUsage: "<id>",
		Action: withApp(open, func(ctx context.Context, cmd *cli.Command, a *app) error {
			id, err := idArg(cmd)
			if err != nil {
				return err
			}
			return a.stack.Cache.MoveToArchive(ctx, a.userID, id)
		}),
	}
}

func junkCommand(open keyringOpener) *cli.Command {
	return &cli.Command{
		Name:      "junk",
		Usage:     "Move an inbox message to Junk",
		ArgsUsage: "<id>",
		Action: withApp(open, func(ctx context.Context, cmd *cli.Command, a *app) error {
			id, err := idArg(cmd)
			if err != nil {
				return err
			}
			return a.stack.Cache.MoveToJunk(ctx, a.userID, id)
		}),
	}
}

func deleteCommand(open keyringOpener) *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a message permanently",
		ArgsUsage: "<id>",
		Flags:     []cli.Flag{folderFlag()},
		Action: withApp(open, func(ctx context.Context, cmd *cli.Command, a *app) error {
			role, err := folderOf(cmd)
			if err != nil {
				return err
			}
			id, err := idArg(cmd)
			if err != nil {
				return err
			}
			return a.stack.Cache.Delete(ctx, a.userID, role, id)
		}),
	}
}

func watchCommand(open keyringOpener) *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Print folder changes until interrupted",
		Flags: []cli.Flag{folderFlag()},
		Action: withApp(open, func(ctx context.Context, cmd *cli.Command, a *app) error {
			role, err := folderOf(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Watching %s, press Ctrl+C to stop\n", role)
			err = a.stack.Cache.Watch(ctx, a.userID, role, func(c imap.Change) {
				fmt.Fprintf(a.out, "%s %s %s messages=%d\n", time.Now().Format(time.TimeOnly), c.Folder, c.Kind, c.Messages)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}),
	}
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/target/portal-auth/internal/bootstrap"
	domainauth "github.com/target/portal-auth/internal/domain/auth"
	"github.com/target/portal-auth/internal/ports"
)

const backupCommandTimeout = 30 * time.Second

type backupClearOptions struct {
	DryRun bool
	Yes    bool
}

func parseBackupClearFlags(args []string) (backupClearOptions, error) {
	fs := flag.NewFlagSet("backup-clear", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts backupClearOptions
	fs.BoolVar(&opts.DryRun, "dry-run", false, "Print actions without executing")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return backupClearOptions{}, err
	}
	return opts, nil
}

// withBackupStore opens the configured BackupStore without building a Manager.
func withBackupStore(cmdCtx *commandContext, fn func(ctx context.Context, store ports.BackupStore) error) error {
	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, backupCommandTimeout)
	defer cancel()

	store, closeStore, err := bootstrap.BuildBackupStore(ctx, &cmdCtx.Config, cmdCtx.Logger)
	defer closeStore()
	if err != nil {
		return err
	}
	return fn(ctx, store)
}

func runBackupShow(cmdCtx *commandContext, _ []string) error {
	return withBackupStore(cmdCtx, func(ctx context.Context, store ports.BackupStore) error {
		return showBackup(ctx, &showBackupRequest{
			Store:  store,
			Key:    cmdCtx.Config.Backup.Key,
			MaxAge: cmdCtx.Config.Backup.MaxAge,
			Now:    time.Now(),
			Out:    cmdCtx.Stdout,
		})
	})
}

type showBackupRequest struct {
	Store  ports.BackupStore
	Key    string
	MaxAge time.Duration
	Now    time.Time
	Out    io.Writer
}

func showBackup(ctx context.Context, req *showBackupRequest) error {
	raw, err := req.Store.Get(ctx, req.Key)
	if err != nil {
		return fmt.Errorf("read role backup: %w", err)
	}
	if raw == nil {
		return writef(req.Out, "No role backup stored under %q\n", req.Key)
	}

	var b domainauth.RoleBackup
	if uerr := json.Unmarshal(raw, &b); uerr != nil || b.Role == "" || b.TimestampMS == 0 {
		return writef(req.Out, "Role backup under %q is malformed and will be discarded on next load\n", req.Key)
	}

	age := b.Age(req.Now)
	status := "usable"
	if age < 0 || age > req.MaxAge {
		status = "expired"
	}
	tw := tabwriter.NewWriter(req.Out, 0, 0, 2, ' ', 0)
	rows := [][2]string{
		{"Key", req.Key},
		{"Role", string(b.Role)},
		{"Email", b.Email},
		{"Saved", b.Timestamp().UTC().Format(time.RFC3339)},
		{"Age", age.Truncate(time.Second).String()},
		{"Status", status},
	}
	for _, r := range rows {
		if werr := writef(tw, "%s:\t%s\n", r[0], r[1]); werr != nil {
			return fmt.Errorf("print role backup: %w", werr)
		}
	}
	return tw.Flush()
}

func runBackupClear(cmdCtx *commandContext, args []string) error {
	opts, err := parseBackupClearFlags(args)
	if err != nil {
		return err
	}
	key := cmdCtx.Config.Backup.Key
	if opts.DryRun {
		return writef(cmdCtx.Stdout, "[dry-run] would delete role backup %q from the %s store\n", key, cmdCtx.Config.Backup.Store)
	}
	if cerr := confirmAction(cmdCtx.Stdin, cmdCtx.Stdout, opts.Yes, fmt.Sprintf("delete role backup %q", key)); cerr != nil {
		return cerr
	}
	return withBackupStore(cmdCtx, func(ctx context.Context, store ports.BackupStore) error {
		if derr := store.Delete(ctx, key); derr != nil {
			return fmt.Errorf("delete role backup: %w", derr)
		}
		cmdCtx.Logger.Info("role backup cleared", "key", key, "store", cmdCtx.Config.Backup.Store)
		return nil
	})
}

func confirmAction(in io.Reader, out io.Writer, yes bool, action string) error {
	if yes {
		return nil
	}
	if err := writef(out, "About to %s.\n", action); err != nil {
		return fmt.Errorf("print confirmation message: %w", err)
	}
	if err := write(out, "Continue? [y/N]: "); err != nil {
		return fmt.Errorf("print confirmation prompt: %w", err)
	}
	resp, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		if writeErr := writef(out, "\nFailed to read confirmation input: %v\n", err); writeErr != nil {
			return fmt.Errorf("aborted by user: report write failed: %w", writeErr)
		}
		return errors.New("aborted by user")
	}
	resp = strings.ToLower(strings.TrimSpace(resp))
	if resp == "y" || resp == "yes" {
		return nil
	}
	return errors.New("aborted by user")
}

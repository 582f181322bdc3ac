package main

import (
	"context"
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
)

const defaultSignInTimeout = 30 * time.Second

type signInOptions struct {
	Email    string
	Password string
	Timeout  time.Duration
}

type pageAccessOptions struct {
	signInOptions
	Pages []string
}

func bindSignInFlags(fs *flag.FlagSet, opts *signInOptions, cmdCtx *commandContext) {
	fs.StringVar(&opts.Email, "email", cmdCtx.Config.Auth.SignInEmail, "Account email (defaults to AUTH_SIGNIN_EMAIL)")
	fs.StringVar(&opts.Password, "password", cmdCtx.Config.Auth.SignInPassword, "Account password (defaults to AUTH_SIGNIN_PASSWORD)")
	fs.DurationVar(&opts.Timeout, "timeout", defaultSignInTimeout, "How long to wait for the role to resolve")
}

func validateSignInOptions(opts *signInOptions) error {
	opts.Email = strings.TrimSpace(opts.Email)
	if opts.Email == "" {
		return errors.New("--email is required")
	}
	if opts.Password == "" {
		return errors.New("--password is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultSignInTimeout
	}
	return nil
}

func parseSignInFlags(cmdCtx *commandContext, name string, args []string) (signInOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts signInOptions
	bindSignInFlags(fs, &opts, cmdCtx)
	if err := fs.Parse(args); err != nil {
		return signInOptions{}, err
	}
	if err := validateSignInOptions(&opts); err != nil {
		return signInOptions{}, err
	}
	return opts, nil
}

func parsePageAccessFlags(cmdCtx *commandContext, args []string) (pageAccessOptions, error) {
	fs := flag.NewFlagSet("page-access", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts pageAccessOptions
	bindSignInFlags(fs, &opts.signInOptions, cmdCtx)
	var pages string
	fs.StringVar(&pages, "pages", "", "Comma-separated page keys to check (required)")
	if err := fs.Parse(args); err != nil {
		return pageAccessOptions{}, err
	}
	if err := validateSignInOptions(&opts.signInOptions); err != nil {
		return pageAccessOptions{}, err
	}
	for _, p := range strings.Split(pages, ",") {
		if p = strings.TrimSpace(p); p != "" {
			opts.Pages = append(opts.Pages, p)
		}
	}
	if len(opts.Pages) == 0 {
		return pageAccessOptions{}, errors.New("--pages is required")
	}
	return opts, nil
}

// withSession builds the Manager, signs in and waits for the role to resolve
// before handing the session to fn.
func withSession(cmdCtx *commandContext, opts signInOptions, fn func(ctx context.Context, app *bootstrap.App) error) error {
	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, opts.Timeout)
	defer cancel()

	cfg := cmdCtx.Config
	app, err := bootstrap.BuildApp(ctx, bootstrap.AppDeps{Config: &cfg, Logger: cmdCtx.Logger})
	if err != nil {
		return err
	}
	defer app.Close()

	if err = app.Manager.Start(ctx); err != nil {
		return fmt.Errorf("start auth manager: %w", err)
	}
	states := app.Manager.Watch(ctx)
	if err = app.Manager.SignIn(ctx, opts.Email, opts.Password); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	if _, err = waitForResolution(ctx, states); err != nil {
		return err
	}
	defer func() {
		if serr := app.Manager.SignOut(context.WithoutCancel(ctx)); serr != nil {
			cmdCtx.Logger.Warn("sign out failed", "error", serr)
		}
	}()
	return fn(ctx, app)
}

// waitForResolution returns the first settled authenticated state. An errored
// state ends the wait; unauthenticated states are skipped because the sign-in
// event may not have been applied yet.
func waitForResolution(ctx context.Context, states <-chan domainauth.AuthState) (domainauth.AuthState, error) {
	for {
		select {
		case <-ctx.Done():
			return domainauth.AuthState{}, fmt.Errorf("waiting for role resolution: %w", ctx.Err())
		case st, ok := <-states:
			if !ok {
				return domainauth.AuthState{}, errors.New("auth manager closed before the role resolved")
			}
			switch {
			case st.Phase == domainauth.PhaseErrored:
				return st, fmt.Errorf("role resolution failed: %s", st.Error)
			case st.Phase == domainauth.PhaseAuthenticated && !st.Loading:
				return st, nil
			}
		}
	}
}

func runWhoAmI(cmdCtx *commandContext, args []string) error {
	opts, err := parseSignInFlags(cmdCtx, "whoami", args)
	if err != nil {
		return err
	}
	return withSession(cmdCtx, opts, func(_ context.Context, app *bootstrap.App) error {
		return printIdentity(cmdCtx.Stdout, app.Manager.State())
	})
}

func printIdentity(w io.Writer, st domainauth.AuthState) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := [][2]string{{"Phase", string(st.Phase)}}
	if st.Identity != nil {
		rows = append(rows, [2]string{"User ID", st.Identity.UserID}, [2]string{"Email", st.Identity.Email})
	}
	role := "(none)"
	if st.Role != nil {
		role = string(*st.Role)
		if st.RoleProvisional {
			role += " (provisional)"
		}
	}
	rows = append(rows, [2]string{"Role", role})
	company := "(none)"
	if st.CompanyName != nil {
		company = *st.CompanyName
	}
	rows = append(rows, [2]string{"Company", company})
	if st.Session != nil {
		rows = append(rows, [2]string{"Session expires", st.Session.ExpiresAt.UTC().Format(time.RFC3339)})
	}
	for _, r := range rows {
		if err := writef(tw, "%s:\t%s\n", r[0], r[1]); err != nil {
			return fmt.Errorf("print identity: %w", err)
		}
	}
	return tw.Flush()
}

func runPageAccess(cmdCtx *commandContext, args []string) error {
	opts, err := parsePageAccessFlags(cmdCtx, args)
	if err != nil {
		return err
	}
	return withSession(cmdCtx, opts.signInOptions, func(ctx context.Context, app *bootstrap.App) error {
		results := make([]pageAccessResult, 0, len(opts.Pages))
		for _, page := range opts.Pages {
			allowed, cerr := app.Manager.HasPageAccess(ctx, page)
			results = append(results, pageAccessResult{Page: page, Allowed: allowed, Err: cerr})
		}
		return printPageAccess(cmdCtx.Stdout, results)
	})
}

type pageAccessResult struct {
	Page    string
	Allowed bool
	Err     error
}

func printPageAccess(w io.Writer, results []pageAccessResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writeln(tw, "PAGE\tACCESS"); err != nil {
		return fmt.Errorf("print page access header: %w", err)
	}
	for _, r := range results {
		access := "denied"
		switch {
		case r.Err != nil:
			access = "error: " + r.Err.Error()
		case r.Allowed:
			access = "allowed"
		}
		if err := writef(tw, "%s\t%s\n", r.Page, access); err != nil {
			return fmt.Errorf("print page access row: %w", err)
		}
	}
	return tw.Flush()
}

func runMenu(cmdCtx *commandContext, args []string) error {
	opts, err := parseSignInFlags(cmdCtx, "menu", args)
	if err != nil {
		return err
	}
	return withSession(cmdCtx, opts, func(ctx context.Context, app *bootstrap.App) error {
		keys, merr := app.Manager.MenuPermissions(ctx)
		if merr != nil {
			return fmt.Errorf("menu permissions: %w", merr)
		}
		return printMenu(cmdCtx.Stdout, keys)
	})
}

func printMenu(w io.Writer, keys []string) error {
	if len(keys) == 0 {
		return writeln(w, "(no menu entries)")
	}
	for _, k := range keys {
		if err := writeln(w, k); err != nil {
			return fmt.Errorf("print menu key: %w", err)
		}
	}
	return nil
}

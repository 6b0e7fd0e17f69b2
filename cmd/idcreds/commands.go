package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"git.sr.ht/~jakintosh/idcreds/internal/config"
	"git.sr.ht/~jakintosh/idcreds/internal/provider"
	"git.sr.ht/~jakintosh/idcreds/pkg/credentials"
	"git.sr.ht/~jakintosh/idcreds/pkg/idtoken"
)

var (
	ErrNoPendingAuthorization = errors.New("no pending authorization")
	ErrAuthorizationDenied    = errors.New("authorization server denied the login")
)

// paramFlag collects repeatable key=value flags
type paramFlag map[string]string

func (p paramFlag) String() string {
	pairs := make([]string, 0, len(p))
	for k, v := range p {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, ",")
}

func (p paramFlag) Set(value string) error {
	k, v, ok := strings.Cut(value, "=")
	if !ok || k == "" {
		return fmt.Errorf("parameter must be in format 'key=value'")
	}
	p[k] = v
	return nil
}

// maxAgeFlag is an optional number of seconds
type maxAgeFlag struct{ seconds *int }

func (m *maxAgeFlag) String() string {
	if m.seconds == nil {
		return ""
	}
	return fmt.Sprint(*m.seconds)
}

func (m *maxAgeFlag) Set(value string) error {
	var n int
	if _, err := fmt.Sscan(value, &n); err != nil || n < 0 {
		return fmt.Errorf("max-age must be a non-negative number of seconds")
	}
	m.seconds = idtoken.Seconds(n)
	return nil
}

func (a *app) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("idcreds "+name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return errUsage
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected argument %q", errUsage, fs.Arg(0))
	}
	return nil
}

func (a *app) client(name string) (*config.Client, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: -client is required", errUsage)
	}
	return a.catalog.Client(name)
}

func pendingKey(client *config.Client) string {
	return "authorization:" + client.Name
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func runClients(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("clients")
	if err := parse(fs, args); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDOMAIN\tCLIENT ID\tDISPLAY")
	for _, name := range a.catalog.Names() {
		client, err := a.catalog.Client(name)
		if err != nil {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, client.Domain, client.ClientID, client.Display)
	}
	return tw.Flush()
}

func runAuthorize(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("authorize")
	clientName := fs.String("client", "", "catalog client name")
	scope := fs.String("scope", "", "scope to request instead of the client's")
	audience := fs.String("audience", "", "audience to request instead of the client's")
	loginHint := fs.String("login-hint", "", "login_hint sent to the authorization server")
	var maxAge maxAgeFlag
	fs.Var(&maxAge, "max-age", "maximum authentication age in seconds")
	params := paramFlag{}
	fs.Var(params, "param", "extra authorize parameter 'key=value' (repeatable)")
	if err := parse(fs, args); err != nil {
		return err
	}

	client, err := a.client(*clientName)
	if err != nil {
		return err
	}
	if client.RedirectURL == "" {
		return fmt.Errorf("client %q has no redirect_url", client.Name)
	}
	if *loginHint != "" {
		params["login_hint"] = *loginHint
	}

	p, err := a.discover(ctx, client)
	if err != nil {
		return err
	}
	auth, err := p.Authorize(provider.AuthorizeOptions{
		Scope:      *scope,
		Audience:   *audience,
		MaxAge:     maxAge.seconds,
		Parameters: params,
	})
	if err != nil {
		return err
	}

	// the pending login is kept in the store until exchange
	record, err := json.Marshal(auth)
	if err != nil {
		return err
	}
	if err := a.store.Save(ctx, pendingKey(client), string(record)); err != nil {
		return fmt.Errorf("couldn't save pending authorization: %w", err)
	}

	a.logger.Info("authorization started", zap.String("client", client.Name))
	fmt.Fprintln(a.stdout, auth.URL)
	return nil
}

func runExchange(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("exchange")
	clientName := fs.String("client", "", "catalog client name")
	callback := fs.String("callback", "", "callback URL the browser was redirected to")
	if err := parse(fs, args); err != nil {
		return err
	}

	client, err := a.client(*clientName)
	if err != nil {
		return err
	}
	if *callback == "" {
		return fmt.Errorf("%w: -callback is required", errUsage)
	}
	location, err := url.Parse(*callback)
	if err != nil {
		return fmt.Errorf("%w: invalid callback URL: %v", errUsage, err)
	}

	record, ok, err := a.store.Get(ctx, pendingKey(client))
	if err != nil {
		return fmt.Errorf("couldn't read pending authorization: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w for client %q", ErrNoPendingAuthorization, client.Name)
	}
	var auth provider.Authorization
	if err := json.Unmarshal([]byte(record), &auth); err != nil {
		return fmt.Errorf("pending authorization is malformed: %w", err)
	}

	// a pending login is finished either way once the callback arrives
	defer func() {
		if err := a.store.Remove(context.WithoutCancel(ctx), pendingKey(client)); err != nil {
			a.logger.Warn("couldn't remove pending authorization", zap.Error(err))
		}
	}()

	query := location.Query()
	if code := query.Get("error"); code != "" {
		return fmt.Errorf("%w: %s %s", ErrAuthorizationDenied, code, query.Get("error_description"))
	}
	if err := auth.CheckState(query.Get("state")); err != nil {
		return err
	}

	p, err := a.discover(ctx, client)
	if err != nil {
		return err
	}
	creds, err := p.Exchange(ctx, query.Get("code"), &auth)
	if err != nil {
		return err
	}
	if err := a.manager(client).SaveCredentials(ctx, creds); err != nil {
		return err
	}

	a.logger.Info("login complete",
		zap.String("client", client.Name),
		zap.Int64("expires_at", creds.ExpiresAt),
	)
	fmt.Fprintf(a.stdout, "logged in to %s, credentials expire at %s\n",
		client.Name, creds.ExpiresAtTime().UTC().Format(time.RFC3339))
	return nil
}

func runCredentials(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("credentials")
	clientName := fs.String("client", "", "catalog client name")
	minTTL := fs.Duration("min-ttl", 0, "refresh credentials expiring within this duration")
	scope := fs.String("scope", "", "scope to request on refresh")
	force := fs.Bool("force", false, "refresh even unexpired credentials")
	params := paramFlag{}
	fs.Var(params, "param", "extra refresh parameter 'key=value' (repeatable)")
	if err := parse(fs, args); err != nil {
		return err
	}

	client, err := a.client(*clientName)
	if err != nil {
		return err
	}
	creds, err := a.manager(client).GetCredentials(ctx, credentials.GetOptions{
		Scope:        *scope,
		MinTTL:       *minTTL,
		Parameters:   params,
		ForceRefresh: *force,
	})
	if err != nil {
		return err
	}
	return writeJSON(a.stdout, creds)
}

func runStatus(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("status")
	clientName := fs.String("client", "", "catalog client name; all clients when omitted")
	minTTL := fs.Duration("min-ttl", 0, "treat credentials expiring within this duration as expired")
	if err := parse(fs, args); err != nil {
		return err
	}

	if *clientName != "" {
		client, err := a.client(*clientName)
		if err != nil {
			return err
		}
		valid, err := a.manager(client).HasValidCredentials(ctx, *minTTL)
		if err != nil {
			return err
		}
		if !valid {
			fmt.Fprintln(a.stdout, "invalid")
			return errSilent
		}
		fmt.Fprintln(a.stdout, "valid")
		return nil
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS")
	for _, name := range a.catalog.Names() {
		client, err := a.catalog.Client(name)
		if err != nil {
			continue
		}
		valid, err := a.manager(client).HasValidCredentials(ctx, *minTTL)
		status := "invalid"
		switch {
		case err != nil:
			status = "error: " + err.Error()
		case valid:
			status = "valid"
		}
		fmt.Fprintf(tw, "%s\t%s\n", name, status)
	}
	return tw.Flush()
}

func runClear(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("clear")
	clientName := fs.String("client", "", "catalog client name")
	if err := parse(fs, args); err != nil {
		return err
	}

	client, err := a.client(*clientName)
	if err != nil {
		return err
	}
	if err := a.manager(client).ClearCredentials(ctx); err != nil {
		return err
	}
	if err := a.store.Remove(ctx, pendingKey(client)); err != nil {
		return fmt.Errorf("couldn't remove pending authorization: %w", err)
	}
	a.logger.Info("credentials cleared", zap.String("client", client.Name))
	return nil
}

func runVerify(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("verify")
	clientName := fs.String("client", "", "catalog client name")
	token := fs.String("token", "", "ID token to verify, '-' reads stdin; defaults to the stored one")
	nonce := fs.String("nonce", "", "expected nonce")
	var maxAge maxAgeFlag
	fs.Var(&maxAge, "max-age", "maximum authentication age in seconds")
	if err := parse(fs, args); err != nil {
		return err
	}

	client, err := a.client(*clientName)
	if err != nil {
		return err
	}

	idToken := *token
	switch idToken {
	case "-":
		data, err := io.ReadAll(a.stdin)
		if err != nil {
			return fmt.Errorf("couldn't read token: %w", err)
		}
		idToken = strings.TrimSpace(string(data))
	case "":
		record, ok, err := a.store.Get(ctx, client.StorageKey())
		if err != nil {
			return fmt.Errorf("couldn't read credentials: %w", err)
		}
		if !ok {
			return credentials.ErrNoCredentials
		}
		creds, err := credentials.Parse(record)
		if err != nil {
			return err
		}
		idToken = creds.IDToken
	}
	if idToken == "" {
		return fmt.Errorf("no ID token to verify")
	}

	err = a.verifier.VerifyToken(ctx, idToken, idtoken.Options{
		Domain:   client.Domain,
		ClientID: client.ClientID,
		Nonce:    *nonce,
		MaxAge:   maxAge.seconds,
		Leeway:   a.cfg.Verification.Leeway,
	})
	if err != nil {
		return err
	}

	decoded, err := idtoken.Decode(idToken)
	if err != nil {
		return err
	}
	return writeJSON(a.stdout, decoded.Payload)
}

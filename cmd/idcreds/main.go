// Command idcreds logs in to OIDC clients from the catalog with
// authorization code + PKCE, keeps their credentials in an encrypted
// SQLite store, and renews them on demand.
//
// Usage:
//
//	idcreds [-config file] <command> [flags]
//
// Commands:
//
//	clients      list the client catalog
//	authorize    start a login and print the URL to visit
//	exchange     finish a login from the callback URL
//	credentials  print credentials, refreshing them when needed
//	status       report whether usable credentials are stored
//	clear        remove stored credentials
//	verify       verify an ID token for a client
//	daemon       keep every client's credentials fresh
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"git.sr.ht/~jakintosh/idcreds/pkg/idtoken"
)

var (
	errUsage = errors.New("usage")
	// errSilent fails the command without an error message.
	errSilent = errors.New("silent failure")
)

type command struct {
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"clients":     {"list the client catalog", runClients},
	"authorize":   {"start a login and print the URL to visit", runAuthorize},
	"exchange":    {"finish a login from the callback URL", runExchange},
	"credentials": {"print credentials, refreshing them when needed", runCredentials},
	"status":      {"report whether usable credentials are stored", runStatus},
	"clear":       {"remove stored credentials", runClear},
	"verify":      {"verify an ID token for a client", runVerify},
	"daemon":      {"keep every client's credentials fresh", runDaemon},
}

var commandOrder = []string{
	"clients", "authorize", "exchange", "credentials", "status", "clear", "verify", "daemon",
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one invocation and returns the process exit code: 0 on
// success, 1 on failure, 2 on bad usage.
func run(
	ctx context.Context,
	args []string,
	stdin io.Reader,
	stdout io.Writer,
	stderr io.Writer,
) int {
	globals := flag.NewFlagSet("idcreds", flag.ContinueOnError)
	globals.SetOutput(stderr)
	configPath := globals.String("config", os.Getenv("IDCREDS_CONFIG"), "config file (YAML)")
	globals.Usage = func() { usage(globals) }
	if err := globals.Parse(args); err != nil {
		return 2
	}

	if globals.NArg() == 0 {
		usage(globals)
		return 2
	}
	name := globals.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "idcreds: unknown command %q\n", name)
		usage(globals)
		return 2
	}

	a, err := newApp(*configPath, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "idcreds: %v\n", err)
		return 1
	}
	defer a.Close()

	if err := cmd.run(ctx, a, globals.Args()[1:]); err != nil {
		switch {
		case errors.Is(err, flag.ErrHelp):
			return 2
		case errors.Is(err, errUsage):
			if err != errUsage {
				fmt.Fprintf(stderr, "idcreds %s: %v\n", name, err)
			}
			return 2
		case errors.Is(err, errSilent):
			return 1
		}
		reportError(stderr, err)
		return 1
	}
	return 0
}

func reportError(w io.Writer, err error) {
	if kind, ok := idtoken.KindOf(err); ok {
		fmt.Fprintf(w, "idcreds: %s: %v\n", kind.Code(), err)
		return
	}
	fmt.Fprintf(w, "idcreds: %v\n", err)
}

func usage(fs *flag.FlagSet) {
	out := fs.Output()
	fmt.Fprintln(out, "usage: idcreds [-config file] <command> [flags]")
	fmt.Fprintln(out, "\ncommands:")
	for _, name := range commandOrder {
		fmt.Fprintf(out, "  %-12s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(out, "\nglobal flags:")
	fs.PrintDefaults()
}

// sshcore is a small SSH client built on the sshcore transport. It runs
// interactive shells and remote commands, moves files over SFTP, forwards
// local ports and maintains known_hosts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/acolita/sshcore/internal/adapters/realdialog"
	"github.com/acolita/sshcore/internal/adapters/realfs"
	"github.com/acolita/sshcore/internal/config"
	"github.com/acolita/sshcore/internal/logging"
	"github.com/acolita/sshcore/internal/recovery"
	"github.com/acolita/sshcore/internal/security"
)

// Version information - set at build time.
var (
	Version   = "0.3.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const usage = `usage: sshcore [flags] <command> [args]

commands:
  shell [-record file] <target>   interactive shell, optionally recorded
  exec <target> <command...>      run a command
  ls <target> [path]              list a remote directory over sftp
  get <target> <remote> <local>   download a file over sftp
  put <target> <local> <remote>   upload a file over sftp
  forward <target> <spec>...      forward local ports, spec is
                                  [bind_address:]port:host:hostport
  hosts [list]                    list known_hosts entries
  hosts remove <host[:port]>      forget a host key
  keyring set <target>            store the login password in the OS keyring

A target is a configured host name or [user@]host[:port].

flags:
`

// errUsage makes run print usage and exit with status 2.
var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{
		fs:     realfs.New(),
		prompt: realdialog.New(),
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		getenv: os.Getenv,
		newKeyring: func() secretKeeper {
			return security.NewKeyringStore()
		},
	}
	os.Exit(a.run(ctx, os.Args[1:]))
}

func (a *app) run(ctx context.Context, args []string) int {
	flags := flag.NewFlagSet("sshcore", flag.ContinueOnError)
	flags.SetOutput(a.stderr)
	flags.Usage = func() {
		fmt.Fprint(a.stderr, usage)
		flags.PrintDefaults()
	}

	var (
		configPath  string
		policy      string
		showVersion bool
		debug       bool
	)
	flags.StringVar(&configPath, "config", "", "Path to configuration file (default "+config.DefaultConfigPath()+")")
	flags.StringVar(&policy, "policy", "", "Host key policy: strict, accept-new, accept-all or ask (overrides config)")
	flags.BoolVar(&showVersion, "version", false, "Show version information")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	if showVersion {
		fmt.Fprintf(a.stdout, "sshcore version %s\n", Version)
		fmt.Fprintf(a.stdout, "  Build time: %s\n", BuildTime)
		fmt.Fprintf(a.stdout, "  Git commit: %s\n", GitCommit)
		return 0
	}

	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}
	cfg, err := config.Load(configPath, a.fs)
	if err != nil {
		fmt.Fprintf(a.stderr, "Error loading config: %v\n", err)
		return 1
	}
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintf(a.stderr, "Error reading environment: %v\n", err)
		return 1
	}
	if policy != "" {
		cfg.HostKeys.Policy = policy
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(a.stderr, "Invalid configuration: %v\n", err)
		return 1
	}
	a.cfg = cfg
	a.log = logging.New(a.stderr, cfg.Logging.Level, cfg.Logging.Sanitize)

	code, err := a.dispatch(ctx, flags.Args())
	switch {
	case errors.Is(err, errUsage):
		flags.Usage()
		return 2
	case err != nil:
		a.log.Debug("command failed", slog.String("error", err.Error()))
		fmt.Fprintf(a.stderr, "sshcore: %v\n", err)
		fmt.Fprint(a.stderr, recovery.Format(recovery.NewAnalyzer().Analyze(err, a.target)))
		return 1
	}
	return code
}

func (a *app) dispatch(ctx context.Context, args []string) (int, error) {
	if len(args) == 0 {
		return 0, errUsage
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "shell":
		fs := flag.NewFlagSet("shell", flag.ContinueOnError)
		fs.SetOutput(a.stderr)
		record := fs.String("record", "", "Record the session to an asciicast file")
		if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
			return 0, errUsage
		}
		return a.shell(ctx, fs.Arg(0), *record)
	case "exec":
		if len(args) < 2 {
			return 0, errUsage
		}
		return a.exec(ctx, args[0], args[1:])
	case "ls":
		if len(args) < 1 || len(args) > 2 {
			return 0, errUsage
		}
		path := "."
		if len(args) == 2 {
			path = args[1]
		}
		return 0, a.list(ctx, args[0], path)
	case "get":
		if len(args) != 3 {
			return 0, errUsage
		}
		return 0, a.get(ctx, args[0], args[1], args[2])
	case "put":
		if len(args) != 3 {
			return 0, errUsage
		}
		return 0, a.put(ctx, args[0], args[1], args[2])
	case "forward":
		if len(args) < 2 {
			return 0, errUsage
		}
		return 0, a.forward(ctx, args[0], args[1:])
	case "hosts":
		return 0, a.hosts(args)
	case "keyring":
		if len(args) != 2 || args[0] != "set" {
			return 0, errUsage
		}
		return 0, a.storePassword(args[1])
	}
	return 0, errUsage
}

// readLine reads one line from r without buffering past it.
func readLine(r io.Reader) (string, error) {
	var line []byte
	b := make([]byte, 1)
	for {
		n, err := r.Read(b)
		if n == 1 {
			if b[0] == '\n' {
				break
			}
			line = append(line, b[0])
		}
		if err == io.EOF && len(line) > 0 {
			break
		}
		if err != nil {
			return "", err
		}
	}
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return string(line), nil
}

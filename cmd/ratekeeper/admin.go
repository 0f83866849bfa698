package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/Strob0t/ratekeeper/internal/config"
	"github.com/Strob0t/ratekeeper/internal/domain/taxrate"
	"github.com/Strob0t/ratekeeper/internal/service"
)

// minTokenLength is the shortest admin token hash-token accepts.
const minTokenLength = 16

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "resolve":
		return runAdminResolve(args[1:])
	case "refresh":
		return runAdminRefresh(args[1:])
	case "history":
		return runAdminHistory(args[1:])
	case "show":
		return runAdminShow(args[1:])
	case "override":
		return runAdminOverride(args[1:])
	case "rollback":
		return runAdminRollback(args[1:])
	case "hash-token":
		return runAdminHashToken(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: ratekeeper admin <command> [options]

Commands:
  resolve      Resolve a parameter set through the cascade
  refresh      Regenerate a parameter set, bypassing cache and store
  history      List stored versions, newest first
  show         Show one stored version with its payload
  override     Store a manual parameter set and make it active
  rollback     Re-activate the payload of an earlier version
  hash-token   Print the bcrypt hash of an admin API token
  help         Show this help message

Common options:
  --kind KIND    %s
  --scope AY     assessment year for scoped kinds, e.g. 2025-26
  --json         JSON output even on a terminal

Examples:
  ratekeeper admin resolve --kind itr --scope 2025-26
  ratekeeper admin history --kind itr --limit 5
  ratekeeper admin override --kind gst --file rates.json --notes "council meeting 56"
  ratekeeper admin rollback --kind itr --scope 2025-26 --version 3
  ratekeeper admin hash-token
`, kindList())
}

func kindList() string {
	kinds := taxrate.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, "|")
}

// target holds the flags shared by every parameter command.
type target struct {
	kind    string
	scope   string
	asJSON  bool
	printer printer
}

func (t *target) register(fs *flag.FlagSet) {
	fs.StringVar(&t.kind, "kind", "", "parameter kind (required)")
	fs.StringVar(&t.scope, "scope", "", "assessment year for scoped kinds")
	fs.BoolVar(&t.asJSON, "json", false, "JSON output")
}

// parse validates the shared flags after fs.Parse.
func (t *target) parse(out *os.File) (taxrate.Kind, error) {
	if t.kind == "" {
		return "", fmt.Errorf("--kind is required (%s)", kindList())
	}
	kind, err := taxrate.ParseKind(t.kind)
	if err != nil {
		return "", err
	}
	if kind.Scoped() && t.scope != "" && !taxrate.ValidAssessmentYear(t.scope) {
		return "", fmt.Errorf("--scope %q is not an assessment year like 2025-26", t.scope)
	}
	t.printer = printer{w: out, table: !t.asJSON && term.IsTerminal(int(out.Fd()))} //nolint:gosec // fd fits in int
	return kind, nil
}

// loadAdminDeps wires the same resolver the server uses so that writes reach
// the shared cache and announce themselves to running replicas. Logs go to
// stderr to keep stdout parseable.
func loadAdminDeps() (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	d, err := buildDeps(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func adminActor(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

func runAdminResolve(args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	var t target
	t.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	kind, err := t.parse(os.Stdout)
	if err != nil {
		return err
	}

	d, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer d.Close()
	return t.printer.resolution(d.resolver.Resolve(context.Background(), kind, t.scope))
}

func runAdminRefresh(args []string) error {
	fs := flag.NewFlagSet("refresh", flag.ContinueOnError)
	var t target
	t.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	kind, err := t.parse(os.Stdout)
	if err != nil {
		return err
	}

	d, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer d.Close()
	return t.printer.resolution(d.resolver.ForceRefresh(context.Background(), kind, t.scope))
}

func runAdminHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	var t target
	t.register(fs)
	limit := fs.Int("limit", 0, "maximum number of versions (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	kind, err := t.parse(os.Stdout)
	if err != nil {
		return err
	}

	d, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer d.Close()

	versions, err := d.resolver.History(context.Background(), kind, t.scope, true, *limit)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	return t.printer.versions(kind, versions)
}

func runAdminShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	var t target
	t.register(fs)
	version := fs.Int("version", 0, "version number (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	kind, err := t.parse(os.Stdout)
	if err != nil {
		return err
	}
	if *version < 1 {
		return errors.New("--version must be a positive integer")
	}

	d, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer d.Close()

	v, err := d.resolver.Version(context.Background(), kind, t.scope, *version)
	if err != nil {
		return fmt.Errorf("show: %w", err)
	}
	return t.printer.version(v)
}

func runAdminOverride(args []string) error {
	fs := flag.NewFlagSet("override", flag.ContinueOnError)
	var t target
	t.register(fs)
	file := fs.String("file", "", "JSON payload file, - for stdin (required)")
	notes := fs.String("notes", "", "free-text notes stored with the version")
	actor := fs.String("actor", "", "recorded as created_by (default cli:$USER)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	kind, err := t.parse(os.Stdout)
	if err != nil {
		return err
	}
	if *file == "" {
		return errors.New("--file is required")
	}
	payload, err := readPayload(*file, os.Stdin)
	if err != nil {
		return err
	}

	d, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer d.Close()

	v, err := d.resolver.Override(context.Background(), service.OverrideRequest{
		Kind:      kind,
		Scope:     t.scope,
		Payload:   payload,
		CreatedBy: adminActor(*actor),
		Notes:     *notes,
	})
	if err != nil {
		printProblems(os.Stderr, err)
		return fmt.Errorf("override: %w", err)
	}
	return t.printer.version(v)
}

func runAdminRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
	var t target
	t.register(fs)
	version := fs.Int("version", 0, "version to restore (required)")
	notes := fs.String("notes", "", "free-text notes (default \"rollback to version N\")")
	actor := fs.String("actor", "", "recorded as created_by (default cli:$USER)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	kind, err := t.parse(os.Stdout)
	if err != nil {
		return err
	}
	if *version < 1 {
		return errors.New("--version must be a positive integer")
	}

	d, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer d.Close()

	v, err := d.resolver.Rollback(context.Background(), service.RollbackRequest{
		Kind:      kind,
		Scope:     t.scope,
		Version:   *version,
		CreatedBy: adminActor(*actor),
		Notes:     *notes,
	})
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return t.printer.version(v)
}

// readPayload reads a JSON payload from path, or from stdin when path is "-".
func readPayload(path string, stdin io.Reader) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path) //nolint:gosec // path is an operator-supplied flag
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("payload is empty")
	}
	return data, nil
}

// printProblems lists the validation problems behind err, if any.
func printProblems(w io.Writer, err error) {
	var verr *taxrate.ValidationError
	if !errors.As(err, &verr) {
		return
	}
	for _, p := range verr.Problems {
		fmt.Fprintf(w, "  %s: %s\n", p.Field, p.Message)
	}
}

// runAdminHashToken prompts for a token and prints its bcrypt hash for
// admin.token_hash. Without a terminal the token is read from stdin.
func runAdminHashToken(args []string) error {
	fs := flag.NewFlagSet("hash-token", flag.ContinueOnError)
	cost := fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	if err := fs.Parse(args); err != nil {
		return err
	}

	token, err := readToken(os.Stdin)
	if err != nil {
		return err
	}
	hash, err := hashToken(token, *cost)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, hash)
	return nil
}

func readToken(stdin *os.File) (string, error) {
	fd := int(stdin.Fd()) //nolint:gosec // fd fits in int
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(line), nil
	}

	first, err := promptSecret("Token: ")
	if err != nil {
		return "", err
	}
	second, err := promptSecret("Confirm token: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("tokens do not match")
	}
	return first, nil
}

func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return string(b), nil
}

func hashToken(token string, cost int) (string, error) {
	if len(token) < minTokenLength {
		return "", fmt.Errorf("token must be at least %d characters", minTokenLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattjoyce/formhook/internal/audit"
	"github.com/mattjoyce/formhook/internal/config"
	"github.com/mattjoyce/formhook/internal/doctor"
	"github.com/mattjoyce/formhook/internal/gateway"
	"github.com/mattjoyce/formhook/internal/lock"
	"github.com/mattjoyce/formhook/internal/log"
	"github.com/mattjoyce/formhook/internal/mail"
	"github.com/mattjoyce/formhook/internal/storage"
)

const (
	version          = "0.1.0-dev"
	defaultIndexName = "index.db"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var code int
	switch os.Args[1] {
	case "serve":
		code = runServe(os.Args[2:])
	case "config":
		code = runConfigNoun(os.Args[2:])
	case "audit":
		code = runAuditNoun(os.Args[2:])
	case "smtp":
		code = runSMTPNoun(os.Args[2:])
	case "version":
		fmt.Printf("formhook version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		code = 1
	}
	os.Exit(code)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `formhook - contact form webhook relay

Usage:
  formhook <command> [action] [flags]

Commands:
  serve          Run the HTTP gateway
  config check   Validate configuration
  audit verify   Check stored request records against their digests
  audit index    Build a SQLite index over the request records
  audit search   Query the index by sender or age
  smtp verify    Connect and authenticate against the SMTP relay
  version        Show version information
  help           Show this help

Common flags:
  --config PATH     YAML configuration file (optional)
  --env-file PATH   dotenv file (default: .env when present)

Environment variables always take precedence over the YAML file.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// loadFlags are shared by every command that reads configuration.
type loadFlags struct {
	configPath string
	envFile    string
}

func (l *loadFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&l.configPath, "config", "", "Path to YAML configuration file")
	fs.StringVar(&l.envFile, "env-file", "", "Path to dotenv file")
}

func (l *loadFlags) load() (*config.Config, error) {
	return config.Load(config.Options{Path: l.configPath, EnvFile: l.envFile})
}

func runServe(args []string) int {
	if hasHelpFlag(args) {
		printServeHelp()
		return 0
	}

	var lf loadFlags
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	lf.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := lf.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Log.Level, cfg.Log.Format)
	logger := log.WithComponent("main")
	logger.Info("formhook starting", "version", version, "config", cfg.SourcePath, "environment", cfg.Environment)

	writer, err := audit.NewWriter(cfg.Audit.Dir)
	if err != nil {
		logger.Error("failed to initialize audit log", "dir", cfg.Audit.Dir, "error", err)
		return 1
	}

	if err := audit.CheckLocalFilesystem(writer.Dir()); err != nil {
		logger.Warn("audit directory check", "error", err)
	}

	pidLockPath := lock.PathFor(writer.Dir())
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	dispatcher, err := mail.NewDispatcher(cfg.SMTP, log.WithComponent("mail"))
	if err != nil {
		logger.Error("failed to configure mail dispatcher", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !cfg.SMTP.DisableVerify {
		go func() {
			verifyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := dispatcher.Verify(verifyCtx); err != nil {
				logger.Warn("SMTP relay not reachable at startup", "host", cfg.SMTP.Host, "error", err)
				return
			}
			logger.Info("SMTP relay verified", "host", cfg.SMTP.Host, "port", cfg.SMTP.Port)
		}()
	}

	server := gateway.New(gateway.ConfigFrom(cfg), writer, dispatcher, log.WithComponent("gateway"))
	logger.Info("formhook running (press Ctrl+C to stop)")

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gateway failed", "error", err)
		return 1
	}

	logger.Info("formhook stopped")
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		if len(args) == 0 {
			return 1
		}
		return 0
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n\n", args[0])
		printConfigNounHelp(os.Stderr)
		return 1
	}
}

func runConfigCheck(args []string) int {
	if hasHelpFlag(args) {
		printConfigCheckHelp()
		return 0
	}

	var lf loadFlags
	var strict, jsonOut bool
	var format string

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	lf.register(fs)
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := lf.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runAuditNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		printAuditNounHelp(os.Stdout)
		if len(args) == 0 {
			return 1
		}
		return 0
	}

	switch args[0] {
	case "verify":
		return runAuditVerify(args[1:])
	case "index":
		return runAuditIndex(args[1:])
	case "search":
		return runAuditSearch(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown audit action: %s\n\n", args[0])
		printAuditNounHelp(os.Stderr)
		return 1
	}
}

func runAuditVerify(args []string) int {
	if hasHelpFlag(args) {
		printAuditVerifyHelp()
		return 0
	}

	var dir string
	var jsonOut bool
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.StringVar(&dir, "dir", config.DefaultAuditDir, "Audit log directory")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report, err := audit.VerifyDir(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Audit verify error: %v\n", err)
		return 1
	}

	if jsonOut {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(out))
	} else {
		fmt.Printf("Checked %d record(s) in %s\n", report.Checked, report.Dir)
		for _, f := range report.Failures {
			fmt.Printf("  FAIL %s: %s\n", f.File, f.Error)
		}
		if report.OK() {
			fmt.Println("All records verified")
		}
	}

	if !report.OK() {
		return 1
	}
	return 0
}

func runAuditIndex(args []string) int {
	if hasHelpFlag(args) {
		printAuditIndexHelp()
		return 0
	}

	var dir, dbPath string
	var jsonOut bool
	fs := flag.NewFlagSet("index", flag.ContinueOnError)
	fs.StringVar(&dir, "dir", config.DefaultAuditDir, "Audit log directory")
	fs.StringVar(&dbPath, "db", "", "SQLite index path (default: <dir>/"+defaultIndexName+")")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if dbPath == "" {
		dbPath = filepath.Join(dir, defaultIndexName)
	}
	if err := audit.CheckLocalFilesystem(dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open index: %v\n", err)
		return 1
	}
	defer db.Close()

	report, err := storage.NewIndex(db).IndexDir(ctx, dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Index error: %v\n", err)
		return 1
	}

	if jsonOut {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(out))
	} else {
		fmt.Printf("Indexed %d of %d record(s) from %s into %s\n", report.Indexed, report.Scanned, report.Dir, dbPath)
		if report.Unverified > 0 {
			fmt.Printf("  %d record(s) failed digest verification\n", report.Unverified)
		}
		for _, name := range report.Skipped {
			fmt.Printf("  SKIP %s\n", name)
		}
	}
	return 0
}

func runAuditSearch(args []string) int {
	if hasHelpFlag(args) {
		printAuditSearchHelp()
		return 0
	}

	var dir, dbPath, email string
	var since time.Duration
	var limit int
	var jsonOut bool
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	fs.StringVar(&dir, "dir", config.DefaultAuditDir, "Audit log directory")
	fs.StringVar(&dbPath, "db", "", "SQLite index path (default: <dir>/"+defaultIndexName+")")
	fs.StringVar(&email, "email", "", "Only records from this address")
	fs.DurationVar(&since, "since", 0, "Only records newer than this (e.g. 72h)")
	fs.IntVar(&limit, "limit", 50, "Maximum rows (0 = no limit)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if dbPath == "" {
		dbPath = filepath.Join(dir, defaultIndexName)
	}
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "No index at %s (run 'formhook audit index' first)\n", dbPath)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open index: %v\n", err)
		return 1
	}
	defer db.Close()

	q := storage.Query{Email: email, Limit: limit}
	if since > 0 {
		q.Since = time.Now().Add(-since)
	}
	entries, err := storage.NewIndex(db).Search(ctx, q)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search error: %v\n", err)
		return 1
	}

	if jsonOut {
		if entries == nil {
			entries = []storage.Entry{}
		}
		out, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(out))
		return 0
	}

	if len(entries) == 0 {
		fmt.Println("No matching records")
		return 0
	}
	for _, e := range entries {
		status := "ok"
		if !e.Verified {
			status = "TAMPERED"
		}
		fmt.Printf("%s  %-36s  %-30s  %-8s  %s\n", e.ReceivedAt, e.SubmissionID, e.Email, status, e.File)
	}
	return 0
}

func runSMTPNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		printSMTPNounHelp(os.Stdout)
		if len(args) == 0 {
			return 1
		}
		return 0
	}

	switch args[0] {
	case "verify":
		return runSMTPVerify(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown smtp action: %s\n\n", args[0])
		printSMTPNounHelp(os.Stderr)
		return 1
	}
}

func runSMTPVerify(args []string) int {
	if hasHelpFlag(args) {
		printSMTPVerifyHelp()
		return 0
	}

	var lf loadFlags
	var timeout time.Duration
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	lf.register(fs)
	fs.DurationVar(&timeout, "timeout", 30*time.Second, "Overall verification timeout")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := lf.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	log.Setup(cfg.Log.Level, cfg.Log.Format)
	dispatcher, err := mail.NewDispatcher(cfg.SMTP, log.WithComponent("mail"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Mail configuration error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := dispatcher.Verify(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "SMTP verify failed: %v\n", err)
		return 1
	}

	fmt.Printf("SMTP relay %s:%d OK\n", cfg.SMTP.Host, cfg.SMTP.Port)
	return 0
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: formhook config <action> [flags]")
	fmt.Fprintln(w, "Actions: check")
}

func printAuditNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: formhook audit <action> [flags]")
	fmt.Fprintln(w, "Actions: verify, index, search")
}

func printSMTPNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: formhook smtp <action> [flags]")
	fmt.Fprintln(w, "Actions: verify")
}

func printServeHelp() {
	fmt.Fprintln(os.Stdout, "Usage: formhook serve [--config PATH] [--env-file PATH]")
	fmt.Fprintln(os.Stdout, "Run the HTTP gateway until SIGINT or SIGTERM.")
}

func printConfigCheckHelp() {
	fmt.Fprintln(os.Stdout, "Usage: formhook config check [--config PATH] [--env-file PATH] [--strict] [--json]")
	fmt.Fprintln(os.Stdout, "Exit codes: 0 valid, 1 errors, 2 warnings with --strict.")
}

func printAuditVerifyHelp() {
	fmt.Fprintln(os.Stdout, "Usage: formhook audit verify [--dir PATH] [--json]")
	fmt.Fprintln(os.Stdout, "Exit code 1 when any record fails its digest check.")
}

func printAuditIndexHelp() {
	fmt.Fprintln(os.Stdout, "Usage: formhook audit index [--dir PATH] [--db PATH] [--json]")
	fmt.Fprintln(os.Stdout, "Rebuild the SQLite index over the audit records. The JSON files stay authoritative.")
}

func printAuditSearchHelp() {
	fmt.Fprintln(os.Stdout, "Usage: formhook audit search [--dir PATH] [--db PATH] [--email ADDR] [--since 72h] [--limit 50] [--json]")
}

func printSMTPVerifyHelp() {
	fmt.Fprintln(os.Stdout, "Usage: formhook smtp verify [--config PATH] [--env-file PATH] [--timeout 30s]")
}

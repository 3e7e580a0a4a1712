package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quillio/keyvault/internal/app"
	"github.com/quillio/keyvault/internal/auditctx"
	"github.com/quillio/keyvault/internal/models"
	"github.com/quillio/keyvault/internal/services"
	"github.com/quillio/keyvault/pkg/logger"
)

const usageText = `vaultctl manages provider API credentials.

Usage:
  vaultctl [-config PATH] COMMAND [flags]

Commands:
  upsert        Save the active credential for a (organization, provider) scope
  rotate        Replace a credential's secret in place
  resolve       Pick the credential an organization would use for a provider
  list          List credentials in a scope
  deactivate    Retire a credential without deleting it
  record-usage  Account tokens and cost against the active credential
  reset-usage   Zero every credential's daily token window
  maintain      Run the scheduled maintenance jobs until interrupted
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("vaultctl", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	fs.Usage = func() { fmt.Fprint(os.Stdout, usageText) }

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("a command is required")
	}
	command := fs.Arg(0)
	commandArgs := fs.Args()[1:]

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	generated, err := app.ApplyRuntimeDefaults(cfg)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("vaultctl")
	if generated["vault.encryption_key"] {
		log.Warn("vault.encryption_key was generated for this run; secrets sealed under it will be unreadable after restart")
	}

	if err := ensureSecretsPresent(cfg); err != nil {
		return err
	}

	stack, err := bootstrapRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stack.Shutdown(log)

	// Audit entries written from here carry the invoking surface.
	ctx = auditctx.WithActor(ctx, auditctx.Actor{Source: "vaultctl"})

	switch command {
	case "upsert":
		return runUpsert(ctx, stack, commandArgs)
	case "rotate":
		return runRotate(ctx, stack, commandArgs)
	case "resolve":
		return runResolve(ctx, stack, commandArgs)
	case "list":
		return runList(ctx, stack, commandArgs)
	case "deactivate":
		return runDeactivate(ctx, stack, commandArgs)
	case "record-usage":
		return runRecordUsage(ctx, stack, commandArgs)
	case "reset-usage":
		return runResetUsage(ctx, stack)
	case "maintain":
		return runMaintain(ctx, stack, log)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func runUpsert(ctx context.Context, stack *runtimeStack, args []string) error {
	fs := flag.NewFlagSet("vaultctl upsert", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var (
		provider  string
		orgID     string
		secret    string
		label     string
		expiresAt string
		rpm       int
		tokensDay int64
		actor     string
	)
	fs.StringVar(&provider, "provider", "", "Provider identifier ("+providerList()+")")
	fs.StringVar(&orgID, "org", "", "Organization id (empty for the platform-global scope)")
	fs.StringVar(&secret, "secret", "", "Plaintext API key to seal")
	fs.StringVar(&label, "label", "", "Human readable label")
	fs.StringVar(&expiresAt, "expires", "", "Optional expiry (RFC 3339)")
	fs.IntVar(&rpm, "rpm", 0, "Optional requests-per-minute limit")
	fs.Int64Var(&tokensDay, "tokens-per-day", 0, "Optional daily token quota")
	fs.StringVar(&actor, "actor", "", "Acting user id")

	if err := fs.Parse(args); err != nil {
		return err
	}

	input := services.UpsertCredentialInput{
		OrganizationID: optionalString(orgID),
		Provider:       models.Provider(provider),
		Secret:         secret,
		Label:          label,
		ActingUserID:   actor,
	}
	if rpm > 0 {
		input.RequestsPerMinute = &rpm
	}
	if tokensDay > 0 {
		input.TokensPerDay = &tokensDay
	}
	if strings.TrimSpace(expiresAt) != "" {
		parsed, err := time.Parse(time.RFC3339, expiresAt)
		if err != nil {
			return fmt.Errorf("parse -expires: %w", err)
		}
		input.ExpiresAt = &parsed
	}

	credential, err := stack.Credentials.UpsertCredential(ctx, input)
	if err != nil {
		return err
	}
	return printJSON(stack.Credentials.SafeView(&credential))
}

func runRotate(ctx context.Context, stack *runtimeStack, args []string) error {
	fs := flag.NewFlagSet("vaultctl rotate", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var id, secret, actor string
	fs.StringVar(&id, "id", "", "Credential id")
	fs.StringVar(&secret, "secret", "", "New plaintext API key")
	fs.StringVar(&actor, "actor", "", "Acting user id")

	if err := fs.Parse(args); err != nil {
		return err
	}

	credential, err := stack.Credentials.Rotate(ctx, id, secret, actor)
	if err != nil {
		return err
	}
	return printJSON(stack.Credentials.SafeView(&credential))
}

func runResolve(ctx context.Context, stack *runtimeStack, args []string) error {
	fs := flag.NewFlagSet("vaultctl resolve", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var provider, orgID string
	var reveal bool
	fs.StringVar(&provider, "provider", "", "Provider identifier ("+providerList()+")")
	fs.StringVar(&orgID, "org", "", "Organization id (empty for the platform-global scope)")
	fs.BoolVar(&reveal, "reveal", false, "Print the plaintext secret instead of the masked view")

	if err := fs.Parse(args); err != nil {
		return err
	}

	credential, err := stack.Credentials.Resolve(ctx, models.Provider(provider), optionalString(orgID))
	if err != nil {
		return err
	}

	if reveal {
		secret := stack.Credentials.DecryptedSecret(&credential)
		if secret == "" {
			return errors.New("credential secret is unreadable")
		}
		fmt.Println(secret)
		return nil
	}
	return printJSON(stack.Credentials.SafeView(&credential))
}

func runList(ctx context.Context, stack *runtimeStack, args []string) error {
	fs := flag.NewFlagSet("vaultctl list", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var orgID string
	fs.StringVar(&orgID, "org", "", "Organization id (empty for the platform-global scope)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	credentials, err := stack.Credentials.List(ctx, optionalString(orgID))
	if err != nil {
		return err
	}

	views := make([]services.CredentialView, 0, len(credentials))
	for i := range credentials {
		views = append(views, stack.Credentials.SafeView(&credentials[i]))
	}
	return printJSON(views)
}

func runDeactivate(ctx context.Context, stack *runtimeStack, args []string) error {
	fs := flag.NewFlagSet("vaultctl deactivate", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var id, actor string
	fs.StringVar(&id, "id", "", "Credential id")
	fs.StringVar(&actor, "actor", "", "Acting user id")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := stack.Credentials.Deactivate(ctx, id, actor); err != nil {
		return err
	}
	fmt.Printf("credential %s deactivated\n", id)
	return nil
}

func runRecordUsage(ctx context.Context, stack *runtimeStack, args []string) error {
	fs := flag.NewFlagSet("vaultctl record-usage", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var provider, orgID string
	var tokens, costCents int64
	fs.StringVar(&provider, "provider", "", "Provider identifier ("+providerList()+")")
	fs.StringVar(&orgID, "org", "", "Organization id (empty for the platform-global scope)")
	fs.Int64Var(&tokens, "tokens", 0, "Tokens consumed")
	fs.Int64Var(&costCents, "cost-cents", 0, "Cost in cents")

	if err := fs.Parse(args); err != nil {
		return err
	}

	return stack.Credentials.RecordUsage(ctx, models.Provider(provider), optionalString(orgID), tokens, costCents)
}

func runResetUsage(ctx context.Context, stack *runtimeStack) error {
	reset, err := stack.Credentials.ResetDailyUsage(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("reset daily usage on %d credential(s)\n", reset)
	return nil
}

func runMaintain(ctx context.Context, stack *runtimeStack, log *zap.Logger) error {
	if err := stack.Sweeper.Start(); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}
	defer func() {
		stopCtx := stack.Sweeper.Stop()
		<-stopCtx.Done()
	}()

	var metricsServer *http.Server
	if stack.Config.Monitoring.Prometheus.Enabled {
		mux := http.NewServeMux()
		mux.Handle(stack.Config.Monitoring.Prometheus.Endpoint, promhttp.Handler())
		metricsServer = &http.Server{Addr: ":9090", Handler: mux}
		go func() {
			log.Info("metrics listening", zap.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	log.Info("maintenance scheduler running")
	<-ctx.Done()
	log.Info("shutdown signal received")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}

func providerList() string {
	providers := models.Providers()
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, string(p))
	}
	return strings.Join(names, ", ")
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// Command marketgate runs the market-data and order gateway and manages its
// key store and access tokens.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/evdnx/golog"
	"github.com/evdnx/marketgate"
	"github.com/evdnx/marketgate/api"
	"github.com/evdnx/marketgate/config"
	"github.com/evdnx/marketgate/internal/logutil"
	"github.com/evdnx/marketgate/security"
)

const component = "main"

func usage() {
	fmt.Fprintf(os.Stderr, `usage: marketgate <command> [flags]

commands:
  serve   run the gateway (default)
  keys    manage the provider key store: keys [flags] set|get|delete|list [name] [value]
  token   issue an access token
`)
}

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve(args)
	case "keys":
		err = keys(args)
	case "token":
		err = token(args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "marketgate %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func loadConfig(fs *flag.FlagSet, args []string, watch bool) (*config.Manager, error) {
	path := fs.String("config", "", "path to the YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.NewManager(*path, watch)
}

func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	mgr, err := loadConfig(fs, args, true)
	if err != nil {
		return err
	}
	cfg := mgr.GetConfig()

	logger, err := logutil.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	logutil.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := marketgate.NewFromConfig(ctx, cfg, marketgate.Deps{})
	if err != nil {
		return err
	}
	gw.Start(ctx)
	defer gw.Stop()

	mgr.RegisterOnChangeCallback(func(c *config.Config) {
		if err := marketgate.ApplyBudgets(gw.Budgets(), c.Providers); err != nil {
			logger.Error(fmt.Sprintf("Failed to apply reloaded budgets: %v", err), golog.String("component", component))
		}
	})

	var tokens *security.TokenManager
	if cfg.Auth.Enabled {
		tokens, err = security.NewTokenManager(cfg.Auth.Key, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("Authentication disabled, every route is open", golog.String("component", component))
	}

	apiServer := api.NewServer(gw, tokens)
	apiServer.WriteTimeout = cfg.Server.WriteTimeout

	// No server WriteTimeout: it would cut long-lived stream connections.
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()
	logger.Info(fmt.Sprintf("Gateway listening on %s", cfg.Server.Addr), golog.String("component", component))

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received", golog.String("component", component))
	case err := <-serverErrCh:
		return fmt.Errorf("server terminated: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info("Gateway stopped", golog.String("component", component))
	return nil
}

func keys(args []string) error {
	fs := flag.NewFlagSet("keys", flag.ContinueOnError)
	mgr, err := loadConfig(fs, args, false)
	if err != nil {
		return err
	}
	cfg := mgr.GetConfig()
	if cfg.KeyStore.Path == "" {
		return errors.New("keystore.path is not configured")
	}
	km, err := security.OpenKeyManager(cfg.KeyStore.Path, cfg.KeyStore.Passphrase)
	if err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return errors.New("missing action: set, get, delete or list")
	}
	switch action := rest[0]; {
	case action == "list":
		for _, name := range km.ListKeys() {
			fmt.Println(name)
		}
		return nil
	case action == "get" && len(rest) == 2:
		v, err := km.GetKey(rest[1])
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	case action == "set" && len(rest) == 3:
		return km.SetKey(rest[1], rest[2])
	case action == "delete" && len(rest) == 2:
		return km.DeleteKey(rest[1])
	default:
		return fmt.Errorf("bad arguments for %q", action)
	}
}

func token(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "token subject")
	scopes := fs.String("scopes", security.ScopeRead, "comma separated scopes (read, trade)")
	ttl := fs.Duration("ttl", 0, "token lifetime, defaults to auth.tokenTTL")
	mgr, err := loadConfig(fs, args, false)
	if err != nil {
		return err
	}
	cfg := mgr.GetConfig()
	if *subject == "" {
		return errors.New("-subject is required")
	}
	if *ttl <= 0 {
		*ttl = cfg.Auth.TokenTTL
	}

	tokens, err := security.NewTokenManager(cfg.Auth.Key, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return err
	}
	t, err := tokens.GenerateToken(*subject, *ttl, strings.Split(*scopes, ",")...)
	if err != nil {
		return err
	}
	fmt.Println(t)
	return nil
}

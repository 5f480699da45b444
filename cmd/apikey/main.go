// Command apikey manages API keys directly against the job store.
//
//	apikey create -name ci [-tenant <id>] [-scopes jobs,admin]
//	apikey list [-tenant <id>]
//	apikey revoke -id <key id> [-tenant <id>]
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
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/mediaforge/internal/apikey"
	"github.com/kiranshivaraju/mediaforge/internal/config"
	"github.com/kiranshivaraju/mediaforge/internal/store"
)

var errUsage = errors.New("usage: apikey <create|list|revoke> [flags]")

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "apikey:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, args := args[0], args[1:]

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	tenant := fs.String("tenant", store.DefaultTenantID.String(), "tenant id")
	name := fs.String("name", "", "key name (create)")
	scopes := fs.String("scopes", apikey.ScopeJobs, "comma-separated scopes (create)")
	keyID := fs.String("id", "", "key id (revoke)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}

	tenantID, err := uuid.Parse(*tenant)
	if err != nil {
		return fmt.Errorf("invalid -tenant: %w", err)
	}

	st, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	switch cmd {
	case "create":
		if *name == "" {
			return errors.New("create: -name is required")
		}
		raw, key, err := apikey.Issue(ctx, st, tenantID, *name, splitScopes(*scopes))
		if err != nil {
			return fmt.Errorf("create: %w", err)
		}
		fmt.Fprintf(out, "id:     %s\nprefix: %s\nscopes: %s\nkey:    %s\n",
			key.ID, key.KeyPrefix, strings.Join(key.Scopes, ","), raw)
		fmt.Fprintln(out, "Store the key now; it cannot be shown again.")
		return nil

	case "list":
		keys, err := st.ListAPIKeys(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("list: %w", err)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tSCOPES\tLAST USED")
		for _, k := range keys {
			lastUsed := "never"
			if k.LastUsedAt != nil {
				lastUsed = k.LastUsedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", k.ID, k.Name, k.KeyPrefix, strings.Join(k.Scopes, ","), lastUsed)
		}
		return tw.Flush()

	case "revoke":
		id, err := uuid.Parse(*keyID)
		if err != nil {
			return fmt.Errorf("revoke: invalid -id: %w", err)
		}
		if err := st.RevokeAPIKey(ctx, id, tenantID); err != nil {
			return fmt.Errorf("revoke: %w", err)
		}
		fmt.Fprintf(out, "revoked %s\n", id)
		return nil
	}
	return errUsage
}

func splitScopes(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func openStore(ctx context.Context) (store.Store, func(), error) {
	cfg, err := config.LoadDatabase()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Driver == config.DriverSQLite {
		st, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	}
	pool, err := store.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}

// refinery-keygen provisions a tenant and mints an API key. The raw key is
// printed once and never stored; only its fingerprint lands in the database.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/docrefinery/docrefinery/authn"
	"github.com/docrefinery/docrefinery/config"
	"github.com/docrefinery/docrefinery/dbopen"
	"github.com/docrefinery/docrefinery/store"
)

var defaultScopes = []string{
	"documents:read", "documents:write", "jobs:read",
	"artifacts:read", "webhooks:read", "webhooks:write", "dashboard:read",
}

func main() {
	configPath := flag.String("config", "refinery.yaml", "path to the YAML config file")
	slug := flag.String("tenant", "", "tenant slug (created when absent)")
	tenantName := flag.String("tenant-name", "", "display name for a newly created tenant")
	keyName := flag.String("name", "default", "name for the new API key")
	scopesArg := flag.String("scopes", "", "comma-separated scopes (default: all)")
	flag.Parse()

	if *slug == "" {
		fmt.Fprintln(os.Stderr, "usage: refinery-keygen -tenant <slug> [-name <key name>] [-scopes a,b,c]")
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	st, err := store.New(db)
	if err != nil {
		slog.Error("store init", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	tenant, err := st.GetTenantBySlug(ctx, *slug)
	if err != nil {
		slog.Error("tenant lookup", "error", err)
		os.Exit(1)
	}
	if tenant == nil {
		name := *tenantName
		if name == "" {
			name = *slug
		}
		tenant = &store.Tenant{Name: name, Slug: *slug, Active: true}
		if err := st.CreateTenant(ctx, tenant); err != nil {
			slog.Error("tenant create", "error", err)
			os.Exit(1)
		}
		fmt.Printf("tenant created: %s (id %d)\n", tenant.Slug, tenant.ID)
	}

	scopes := defaultScopes
	if *scopesArg != "" {
		scopes = nil
		for _, s := range strings.Split(*scopesArg, ",") {
			if s = strings.TrimSpace(s); s != "" {
				scopes = append(scopes, s)
			}
		}
	}
	scopesJSON, _ := json.Marshal(scopes)

	raw, prefix, err := authn.GenerateKey()
	if err != nil {
		slog.Error("key generate", "error", err)
		os.Exit(1)
	}
	key := &store.APIKey{
		TenantID:    tenant.ID,
		Name:        *keyName,
		Prefix:      prefix,
		Fingerprint: authn.Fingerprint(cfg.ProcessSecret, raw),
		Active:      true,
		Scopes:      string(scopesJSON),
	}
	if err := st.CreateAPIKey(ctx, key); err != nil {
		slog.Error("key create", "error", err)
		os.Exit(1)
	}

	fmt.Printf("tenant:  %s\n", tenant.Slug)
	fmt.Printf("key:     %s (prefix %s)\n", key.Name, key.Prefix)
	fmt.Printf("scopes:  %s\n", strings.Join(scopes, ", "))
	fmt.Println()
	fmt.Println("Raw API key (shown once, store it now):")
	fmt.Printf("  %s\n", raw)
}

// Command ballotctl imports and inspects ballot documents in the local store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ballot-guide/backend/internal/ballot"
	"github.com/ballot-guide/backend/internal/ballotstore"
	"github.com/ballot-guide/backend/internal/cache/redis"
	"github.com/ballot-guide/backend/internal/ingestion"
	"github.com/ballot-guide/backend/internal/storage/sqlite"
	"github.com/ballot-guide/backend/pkg/config"
	appLogger "github.com/ballot-guide/backend/pkg/logger"
)

type env struct {
	db    *sqlite.Client
	cache *redis.Client
	store *ballotstore.Store
}

func (e *env) close() {
	if e.cache != nil {
		e.cache.Close()
	}
	e.db.Close()
}

func open(dbPath string) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := appLogger.Init(cfg.Logging.Level, "console", "stderr"); err != nil {
		return nil, err
	}
	if dbPath == "" {
		dbPath = cfg.SQLite.Path
	}

	db, err := sqlite.NewClient(dbPath)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}

	e := &env{db: db}
	// Imports must refresh the fingerprint cache the API server reads from.
	var fpCache ballotstore.FingerprintCache
	if cfg.Redis.Enabled {
		c, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Redis unavailable; cached fingerprints may be stale until they expire",
				zap.Duration("ttl", redis.FingerprintTTL),
				zap.Error(err),
			)
		} else {
			e.cache = c
			fpCache = c
		}
	}
	e.store = ballotstore.New(db, fpCache)
	return e, nil
}

func main() {
	var dbPath string

	root := &cobra.Command{
		Use:           "ballotctl",
		Short:         "Manage statewide and county ballot documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite path (defaults to sqlite.path from config)")

	root.AddCommand(importCmd(&dbPath), showCmd(&dbPath), scopesCmd(&dbPath), feedbackCmd(&dbPath), flushCacheCmd(&dbPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func importCmd(dbPath *string) *cobra.Command {
	var party, scope string
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Replace a ballot document with the contents of FILE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := ballot.ParseParty(party)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			e, err := open(*dbPath)
			if err != nil {
				return err
			}
			defer e.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			res, err := ingestion.NewImporter(e.store).Import(ctx, p, scope, f)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&party, "party", "", "republican or democrat")
	cmd.Flags().StringVar(&scope, "scope", ballotstore.ScopeStatewide, "statewide or a county FIPS code")
	cmd.MarkFlagRequired("party")
	return cmd
}

func showCmd(dbPath *string) *cobra.Command {
	var party, scope, county string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print a stored ballot, or the merged ballot a voter in --county would see",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := ballot.ParseParty(party)
			if err != nil {
				return err
			}
			e, err := open(*dbPath)
			if err != nil {
				return err
			}
			defer e.close()

			if county != "" {
				r, err := e.store.Resolve(cmd.Context(), p, county, "")
				if err != nil {
					return err
				}
				if !r.Found {
					return fmt.Errorf("no %s ballot imported yet", p)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "fingerprint %s, county ballot available: %t\n", r.Fingerprint, r.CountyAvailable)
				return printJSON(cmd, r.Ballot)
			}

			l, err := e.store.Get(cmd.Context(), p, scope, "")
			if err != nil {
				return err
			}
			if !l.Found {
				return fmt.Errorf("no %s ballot stored for scope %q", p, scope)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "fingerprint %s\n", l.Fingerprint)
			return printJSON(cmd, l.Ballot)
		},
	}
	cmd.Flags().StringVar(&party, "party", "", "republican or democrat")
	cmd.Flags().StringVar(&scope, "scope", ballotstore.ScopeStatewide, "stored scope to print")
	cmd.Flags().StringVar(&county, "county", "", "county FIPS code; prints the merged ballot instead")
	cmd.MarkFlagRequired("party")
	return cmd
}

func scopesCmd(dbPath *string) *cobra.Command {
	var party string
	cmd := &cobra.Command{
		Use:   "scopes",
		Short: "List stored scopes for a party",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := ballot.ParseParty(party)
			if err != nil {
				return err
			}
			e, err := open(*dbPath)
			if err != nil {
				return err
			}
			defer e.close()

			scopes, err := e.db.ListScopes(cmd.Context(), string(p))
			if err != nil {
				return err
			}
			for _, s := range scopes {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&party, "party", "", "republican or democrat")
	cmd.MarkFlagRequired("party")
	return cmd
}

func feedbackCmd(dbPath *string) *cobra.Command {
	var party string
	var limit int
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Show recent anonymous override feedback",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := ballot.ParseParty(party)
			if err != nil {
				return err
			}
			e, err := open(*dbPath)
			if err != nil {
				return err
			}
			defer e.close()

			list, err := e.db.ListOverrideFeedback(cmd.Context(), string(p), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, list)
		},
	}
	cmd.Flags().StringVar(&party, "party", "", "republican or democrat")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	cmd.MarkFlagRequired("party")
	return cmd
}

func flushCacheCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "flush-cache",
		Short: "Drop every cached ballot fingerprint after imports made while Redis was unreachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(*dbPath)
			if err != nil {
				return err
			}
			defer e.close()

			if e.cache == nil {
				return fmt.Errorf("redis is not enabled or not reachable")
			}
			n, err := e.cache.InvalidateFingerprints(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d cached fingerprints\n", n)
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Command seed-stores registers a tenant and its store directory from a
// store export file (.json, or .json.gz read with parallel gzip).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/fedega15/front-system-integration/internal/domain/stock"
	"github.com/fedega15/front-system-integration/internal/domain/tenant"
	"github.com/fedega15/front-system-integration/internal/storage/postgres"
)

// seedFile is one tenant with its stores as exported by the POS platform.
type seedFile struct {
	Tenant *tenant.Credentials `json:"tenant"`
	Stores []storeJSON         `json:"stores"`
}

type storeJSON struct {
	StoreID    json.Number `json:"StoreId"`
	StoreName  string      `json:"StoreName"`
	Address    string      `json:"Address"`
	PostalCode string      `json:"PostalCode"`
	City       string      `json:"City"`
	Country    string      `json:"Country"`
	StockID    int         `json:"StockId"`
	Currency   string      `json:"Currency"`
}

func main() {
	var (
		databaseURL string
		tenantID    string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&tenantID, "tenant", "", "tenant id for files without a tenant section")
	flag.Usage = func() {
		_, _ = io.WriteString(flag.CommandLine.Output(), "usage: seed-stores [flags] FILE...\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, tenantID, flag.Args()); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, tenantID string, files []string) error {
	seeds := make([]*seedFile, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := readSeedFile(path)
			if err != nil {
				return errors.Wrapf(err, "read %s", path)
			}
			seeds[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	tenants := postgres.NewTenantRepository(pool)
	stores := postgres.NewStoreDirectory(pool)
	for i, s := range seeds {
		id := tenantID
		if s.Tenant != nil {
			if err := s.Tenant.Validate(); err != nil {
				return errors.Wrapf(err, "tenant in %s", files[i])
			}
			if err := tenants.Upsert(ctx, *s.Tenant); err != nil {
				return err
			}
			id = s.Tenant.TenantID
			slog.Info("tenant registered", slog.String("tenant_id", id), slog.String("source", tenant.NormalizeSource(s.Tenant.Source)))
		}
		if id == "" {
			return errors.Errorf("%s: no tenant section and no --tenant flag", files[i])
		}

		dir, err := s.directory()
		if err != nil {
			return errors.Wrapf(err, "stores in %s", files[i])
		}
		n, err := stores.Upsert(ctx, id, dir.Stores())
		if err != nil {
			return err
		}
		slog.Info("stores upserted", slog.String("tenant_id", id), slog.Int("count", n))
	}
	return nil
}

func readSeedFile(path string) (*seedFile, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(err, "open gzip")
		}
		defer gz.Close()
		r = gz
	}
	return parseSeed(r)
}

func parseSeed(r io.Reader) (*seedFile, error) {
	var s seedFile
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	if len(s.Stores) == 0 {
		return nil, errors.New("no stores")
	}
	return &s, nil
}

// directory validates the stores and orders them by stock id.
func (s *seedFile) directory() (*stock.Directory, error) {
	stores := make([]stock.Store, 0, len(s.Stores))
	for _, st := range s.Stores {
		if st.StockID <= 0 {
			return nil, errors.Errorf("store %q has no stock id", st.StoreName)
		}
		id := st.StoreID.String()
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			return nil, errors.Errorf("store %q has invalid store id %q", st.StoreName, id)
		}
		stores = append(stores, stock.Store{
			StoreID:    id,
			StockID:    st.StockID,
			Name:       st.StoreName,
			Address:    st.Address,
			PostalCode: st.PostalCode,
			City:       st.City,
			Country:    st.Country,
			Currency:   st.Currency,
		})
	}
	return stock.NewDirectory(stores), nil
}

// Command seed-db loads a demo catalog, coupons, a campaign and an operator
// API key, and can print a customer bearer token for local testing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/order-lifecycle/internal/handler"
	"github.com/xenking/order-lifecycle/internal/repository"
)

type productJSON struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Category  string          `json:"category"`
	Available *bool           `json:"available,omitempty"`
}

var defaultProducts = []productJSON{
	{ID: "p-lamp", Name: "Brass Desk Lamp", Price: decimal.RequireFromString("1499.00"), Category: "home"},
	{ID: "p-mug", Name: "Stoneware Mug", Price: decimal.RequireFromString("349.00"), Category: "kitchen"},
	{ID: "p-kettle", Name: "Electric Kettle", Price: decimal.RequireFromString("2199.00"), Category: "kitchen"},
	{ID: "p-notebook", Name: "Dot Grid Notebook", Price: decimal.RequireFromString("299.00"), Category: "stationery"},
	{ID: "p-pen", Name: "Fountain Pen", Price: decimal.RequireFromString("899.00"), Category: "stationery"},
}

const (
	upsertProductSQL = `INSERT INTO products (id, name, price, category, available)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price,
			category = EXCLUDED.category, available = EXCLUDED.available`

	upsertCouponSQL = `INSERT INTO coupons (code, discount_type, value, max_discount, min_order_amount,
			description, max_uses, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		ON CONFLICT (code) DO UPDATE SET discount_type = EXCLUDED.discount_type, value = EXCLUDED.value,
			max_discount = EXCLUDED.max_discount, min_order_amount = EXCLUDED.min_order_amount,
			description = EXCLUDED.description, max_uses = EXCLUDED.max_uses, active = TRUE`

	upsertCampaignSQL = `INSERT INTO campaigns (id, name, discount_type, value, max_discount, min_order_amount,
			start_date, end_date, is_active, applies_to, targets)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $10)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, value = EXCLUDED.value,
			start_date = EXCLUDED.start_date, end_date = EXCLUDED.end_date,
			applies_to = EXCLUDED.applies_to, targets = EXCLUDED.targets, is_active = TRUE`

	upsertAPIKeySQL = `INSERT INTO api_keys (id, key_hash, name, scopes, active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (id) DO UPDATE SET key_hash = EXCLUDED.key_hash, scopes = EXCLUDED.scopes, active = TRUE`
)

func main() {
	var (
		databaseURL  string
		productsFile string
		apiKey       string
		apiKeyPepper string
		tokenSecret  string
		customer     string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "", "optional products JSON file; a demo catalog is used when empty")
	flag.StringVar(&apiKey, "api-key", "", "operator API key to seed (or ORDERS_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or ORDERS_AUTH_APIKEYPEPPER env)")
	flag.StringVar(&tokenSecret, "token-secret", "", "bearer token secret (or ORDERS_AUTH_TOKENSECRET env)")
	flag.StringVar(&customer, "customer", "", "print a 24h bearer token for this customer id")
	flag.Parse()

	databaseURL = orEnv(databaseURL, "DATABASE_URL")
	apiKey = orEnv(apiKey, "ORDERS_SEED_API_KEY")
	apiKeyPepper = orEnv(apiKeyPepper, "ORDERS_AUTH_APIKEYPEPPER")
	tokenSecret = orEnv(tokenSecret, "ORDERS_AUTH_TOKENSECRET")

	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or ORDERS_SEED_API_KEY")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, productsFile, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("seed completed successfully")

	if customer == "" {
		return
	}
	if tokenSecret == "" {
		slog.Error("token secret is required to issue a customer token")
		os.Exit(1)
	}
	token, err := handler.IssueToken([]byte(tokenSecret), customer, []string{"customer"}, 24*time.Hour, time.Now())
	if err != nil {
		slog.Error("issue token failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("customer token", slog.String("customer_id", customer), slog.String("token", token))
}

func orEnv(v, key string) string {
	if v != "" {
		return v
	}
	return os.Getenv(key)
}

func run(ctx context.Context, databaseURL, productsFile, apiKey, pepper string) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")
	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	products, err := loadProducts(productsFile)
	if err != nil {
		return err
	}

	return pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if err := seedProducts(ctx, tx, products); err != nil {
			return errors.Wrap(err, "seed products")
		}
		if err := seedCoupons(ctx, tx); err != nil {
			return errors.Wrap(err, "seed coupons")
		}
		if err := seedCampaign(ctx, tx); err != nil {
			return errors.Wrap(err, "seed campaign")
		}
		if err := seedAPIKey(ctx, tx, apiKey, pepper); err != nil {
			return errors.Wrap(err, "seed api key")
		}
		return nil
	})
}

func loadProducts(path string) ([]productJSON, error) {
	if path == "" {
		return defaultProducts, nil
	}
	slog.Info("reading products file", slog.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read products file")
	}
	var products []productJSON
	if err := json.Unmarshal(data, &products); err != nil {
		return nil, errors.Wrap(err, "parse products JSON")
	}
	return products, nil
}

func seedProducts(ctx context.Context, tx pgx.Tx, products []productJSON) error {
	slog.Info("upserting products", slog.Int("count", len(products)))

	batch := &pgx.Batch{}
	for _, p := range products {
		available := p.Available == nil || *p.Available
		batch.Queue(upsertProductSQL, p.ID, p.Name, p.Price, p.Category, available)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "upsert products")
	}
	return nil
}

func seedCoupons(ctx context.Context, tx pgx.Tx) error {
	type couponSeed struct {
		code, kind, description string
		value                   decimal.Decimal
		maxDiscount, minOrder   decimal.NullDecimal
		maxUses                 int
	}
	coupons := []couponSeed{
		{
			code: "WELCOME10", kind: "percentage", value: decimal.NewFromInt(10),
			maxDiscount: decimal.NewNullDecimal(decimal.NewFromInt(500)),
			description: "10% off, up to 500",
		},
		{
			code: "FLAT200", kind: "fixed", value: decimal.NewFromInt(200),
			minOrder:    decimal.NewNullDecimal(decimal.NewFromInt(1000)),
			description: "200 off orders of 1000 or more", maxUses: 100,
		},
	}

	for _, c := range coupons {
		if _, err := tx.Exec(ctx, upsertCouponSQL,
			c.code, c.kind, c.value, c.maxDiscount, c.minOrder, c.description, c.maxUses,
		); err != nil {
			return errors.Wrapf(err, "upsert coupon %s", c.code)
		}
		slog.Info("upserted coupon", slog.String("code", c.code), slog.String("description", c.description))
	}
	return nil
}

func seedCampaign(ctx context.Context, tx pgx.Tx) error {
	start := time.Now().UTC().Truncate(24 * time.Hour)
	end := start.AddDate(0, 1, 0)
	if _, err := tx.Exec(ctx, upsertCampaignSQL,
		"kitchen-week", "Kitchen Week", "percentage", decimal.NewFromInt(15),
		decimal.NewNullDecimal(decimal.NewFromInt(300)), decimal.NullDecimal{},
		start, end, "categories", []string{"kitchen"},
	); err != nil {
		return errors.Wrap(err, "upsert campaign kitchen-week")
	}
	slog.Info("upserted campaign", slog.String("id", "kitchen-week"), slog.Time("ends", end))
	return nil
}

func seedAPIKey(ctx context.Context, tx pgx.Tx, apiKey, pepper string) error {
	if _, err := tx.Exec(ctx, upsertAPIKeySQL,
		"default", handler.HashAPIKey([]byte(pepper), apiKey), "Default operator key",
		[]string{handler.ScopeRead, handler.ScopeWrite},
	); err != nil {
		return errors.Wrap(err, "upsert default API key")
	}
	slog.Info("upserted API key", slog.String("id", "default"))
	return nil
}

// Command coupon-ingest loads promotional coupon codes from gzip-compressed
// partner feeds. A code is accepted when it appears in at least --min-files
// of the feeds; accepted codes are upserted into the coupons table.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/order-lifecycle/internal/repository"
)

const (
	bloomFPR      = 0.001
	progressEvery = 10_000_000
	maxFiles      = 64
)

type options struct {
	pattern     string
	minFiles    int
	minLen      int
	maxLen      int
	capacity    uint
	rule        couponRule
	maxUses     int
	databaseURL string
	dryRun      bool
}

// couponRule is applied to every accepted code.
type couponRule struct {
	discountType string
	value        decimal.Decimal
	maxDiscount  decimal.NullDecimal
	minOrder     decimal.NullDecimal
	description  string
}

func main() {
	var (
		opts                         options
		value, maxDiscount, minOrder string
	)

	flag.StringVar(&opts.pattern, "files", "data/couponbase*.gz", "glob of gzip feeds, one code per line")
	flag.IntVar(&opts.minFiles, "min-files", 2, "number of feeds a code must appear in")
	flag.IntVar(&opts.minLen, "min-len", 8, "minimum code length")
	flag.IntVar(&opts.maxLen, "max-len", 10, "maximum code length")
	flag.UintVar(&opts.capacity, "capacity", 120_000_000, "expected codes per feed, sizes the bloom filters")
	flag.StringVar(&opts.rule.discountType, "discount-type", "percentage", "percentage or fixed")
	flag.StringVar(&value, "value", "10", "discount value")
	flag.StringVar(&maxDiscount, "max-discount", "", "optional discount cap")
	flag.StringVar(&minOrder, "min-order", "", "optional minimum order amount")
	flag.StringVar(&opts.rule.description, "description", "Partner promo code", "coupon description")
	flag.IntVar(&opts.maxUses, "max-uses", 1, "redemptions allowed per code, 0 for unlimited")
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "report accepted codes without writing them")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}

	if err := opts.parseRule(value, maxDiscount, minOrder); err != nil {
		slog.Error("invalid coupon rule", slog.String("error", err.Error()))
		os.Exit(2)
	}
	if opts.databaseURL == "" && !opts.dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("coupon ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon ingest completed successfully")
}

func (o *options) parseRule(value, maxDiscount, minOrder string) error {
	switch o.rule.discountType {
	case "percentage", "fixed":
	default:
		return errors.Errorf("unknown discount type %q", o.rule.discountType)
	}

	v, err := decimal.NewFromString(value)
	if err != nil {
		return errors.Wrap(err, "parse value")
	}
	if v.IsNegative() || (o.rule.discountType == "percentage" && v.GreaterThan(decimal.NewFromInt(100))) {
		return errors.Errorf("value %s out of range", v)
	}
	o.rule.value = v

	if o.rule.maxDiscount, err = optDecimal(maxDiscount); err != nil {
		return errors.Wrap(err, "parse max discount")
	}
	if o.rule.minOrder, err = optDecimal(minOrder); err != nil {
		return errors.Wrap(err, "parse min order")
	}
	if o.maxUses < 0 {
		return errors.New("max uses must not be negative")
	}
	return nil
}

func optDecimal(s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func run(ctx context.Context, opts options) error {
	files, err := filepath.Glob(opts.pattern)
	if err != nil {
		return errors.Wrap(err, "expand feed pattern")
	}
	slices.Sort(files)
	switch {
	case len(files) == 0:
		return errors.Errorf("no feeds match %q", opts.pattern)
	case len(files) > maxFiles:
		return errors.Errorf("too many feeds: %d > %d", len(files), maxFiles)
	case opts.minFiles < 1 || opts.minFiles > len(files):
		return errors.Errorf("min-files must be between 1 and %d", len(files))
	}

	sc := scanner{minLen: opts.minLen, maxLen: opts.maxLen}

	var codes []string
	if opts.minFiles == 1 {
		codes, err = sc.collectAll(ctx, files)
	} else {
		slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))
		var filters []*bloom.BloomFilter
		if filters, err = sc.buildFilters(ctx, files, opts.capacity); err != nil {
			return errors.Wrap(err, "build bloom filters")
		}
		slog.Info("pass 2: finding shared codes", slog.Int("min_files", opts.minFiles))
		codes, err = sc.findShared(ctx, files, filters, opts.minFiles)
	}
	if err != nil {
		return errors.Wrap(err, "find codes")
	}

	slog.Info("accepted codes", slog.Int("count", len(codes)))
	if len(codes) == 0 || opts.dryRun {
		return nil
	}

	slog.Info("connecting to database")
	pool, err := repository.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	return pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return writeCoupons(ctx, tx, codes, opts.rule, opts.maxUses)
	})
}

type scanner struct {
	minLen, maxLen int
}

func (s scanner) accept(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	return code, len(code) >= s.minLen && len(code) <= s.maxLen
}

// buildFilters creates one bloom filter per feed, concurrently.
func (s scanner) buildFilters(ctx context.Context, files []string, capacity uint) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(capacity, bloomFPR)
			var count uint64
			err := streamGzFile(ctx, path, func(line string) {
				code, ok := s.accept(line)
				if !ok {
					return
				}
				filter.AddString(code)
				count++
				if count%progressEvery == 0 {
					slog.Info("pass 1 progress", slog.String("file", path), slog.Uint64("codes", count))
				}
			})
			if err != nil {
				return errors.Wrapf(err, "build filter for %s", path)
			}
			slog.Info("pass 1 complete", slog.String("file", path), slog.Uint64("total_codes", count))
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// findShared re-streams every feed and keeps codes that the bloom filters
// place in at least minFiles feeds. Membership is confirmed by the exact
// per-feed bits recorded in pass 2, so filter false positives only cost
// memory.
func (s scanner) findShared(ctx context.Context, files []string, filters []*bloom.BloomFilter, minFiles int) ([]string, error) {
	results := make([]map[string]uint64, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			candidates := make(map[string]uint64)
			fileBit := uint64(1) << uint(i)
			err := streamGzFile(ctx, path, func(line string) {
				code, ok := s.accept(line)
				if !ok {
					return
				}
				hits := 1
				for j, f := range filters {
					if j != i && f.TestString(code) {
						hits++
					}
				}
				if hits >= minFiles {
					candidates[code] |= fileBit
				}
			})
			if err != nil {
				return errors.Wrapf(err, "scan %s", path)
			}
			slog.Info("pass 2 complete", slog.String("file", path), slog.Int("candidates", len(candidates)))
			results[i] = candidates
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]uint64)
	for _, r := range results {
		for code, mask := range r {
			merged[code] |= mask
		}
	}

	var shared []string
	for code, mask := range merged {
		if bits.OnesCount64(mask) >= minFiles {
			shared = append(shared, code)
		}
	}
	slices.Sort(shared)
	return shared, nil
}

func (s scanner) collectAll(ctx context.Context, files []string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, path := range files {
		err := streamGzFile(ctx, path, func(line string) {
			if code, ok := s.accept(line); ok {
				seen[code] = struct{}{}
			}
		})
		if err != nil {
			return nil, errors.Wrapf(err, "scan %s", path)
		}
	}
	codes := make([]string, 0, len(seen))
	for code := range seen {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes, nil
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
func streamGzFile(ctx context.Context, path string, fn func(line string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(sc.Text())
	}
	if err := sc.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

const mergeStagedCouponsSQL = `INSERT INTO coupons (code, discount_type, value, max_discount, min_order_amount,
		description, max_uses, active)
	SELECT code, $1::text, $2::numeric, $3::numeric, $4::numeric, $5::text, $6::integer, TRUE FROM coupon_ingest
	ON CONFLICT (code) DO UPDATE SET discount_type = EXCLUDED.discount_type, value = EXCLUDED.value,
		max_discount = EXCLUDED.max_discount, min_order_amount = EXCLUDED.min_order_amount,
		description = EXCLUDED.description, max_uses = EXCLUDED.max_uses, active = TRUE`

// writeCoupons stages codes with COPY and merges them into coupons. Existing
// codes keep their usage counters.
func writeCoupons(ctx context.Context, tx pgx.Tx, codes []string, rule couponRule, maxUses int) error {
	slog.Info("writing coupons to database", slog.Int("count", len(codes)))

	if _, err := tx.Exec(ctx, `CREATE TEMP TABLE coupon_ingest (code TEXT PRIMARY KEY) ON COMMIT DROP`); err != nil {
		return errors.Wrap(err, "create staging table")
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"coupon_ingest"}, []string{"code"},
		pgx.CopyFromSlice(len(codes), func(i int) ([]any, error) {
			return []any{codes[i]}, nil
		}),
	)
	if err != nil {
		return errors.Wrap(err, "copy codes")
	}

	tag, err := tx.Exec(ctx, mergeStagedCouponsSQL,
		rule.discountType, rule.value, rule.maxDiscount, rule.minOrder, rule.description, maxUses,
	)
	if err != nil {
		return errors.Wrap(err, "merge coupons")
	}
	slog.Info("coupons written", slog.Int64("staged", n), slog.Int64("upserted", tag.RowsAffected()))
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rcourtman/aiquota/internal/auth"
	"github.com/rcourtman/aiquota/internal/gate"
	"github.com/rcourtman/aiquota/internal/store"
	"github.com/rcourtman/aiquota/internal/usage"
	"github.com/rcourtman/aiquota/pkg/pricing"
	"github.com/rcourtman/aiquota/pkg/quota"
)

var (
	recordOutcome string

	exportAccount string
	exportFrom    string
	exportTo      string
	exportOutput  string

	priceDiscount string
	priceCurrency string

	adminKey string
)

// readPassword is swapped out in tests.
var readPassword = term.ReadPassword

func init() {
	recordCmd.Flags().StringVar(&recordOutcome, "outcome", "", "Free-form outcome stored with the entry")

	exportCmd.Flags().StringVar(&exportAccount, "account", "", "Only export this account")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Earliest entry time (RFC 3339)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Latest entry time (RFC 3339, exclusive)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write CSV to this file instead of stdout")

	priceCmd.Flags().StringVar(&priceDiscount, "discount", "", "Annual discount percent (default: plan override or 20)")
	priceCmd.Flags().StringVar(&priceCurrency, "currency", string(quota.CurrencyUSD), "Currency code")

	hashAdminKeyCmd.Flags().StringVar(&adminKey, "key", "", "Admin key to hash (prompted if omitted)")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var checkCmd = &cobra.Command{
	Use:   "check <account>",
	Short: "Check whether an account may run an AI action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig("aiquota-cli")
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		svc := gate.NewService(a.store, a.cache, gate.Config{
			CheckTimeout:   cfg.CheckTimeout,
			FairUseCeiling: cfg.FairUseCeiling,
		})
		return printJSON(cmd.OutOrStdout(), svc.Check(ctx, args[0]))
	},
}

var recordCmd = &cobra.Command{
	Use:   "record <account> <action-id>",
	Short: "Record one completed AI action",
	Long: `Record one completed AI action against the account's quota.
Recording is idempotent per action id: replaying an id reports the original entry.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig("aiquota-cli")
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		recorder := usage.NewRecorder(a.store, a.cache, usage.Config{Timeout: cfg.RecordTimeout})
		res, err := recorder.Record(ctx, usage.RecordRequest{
			AccountID: args[0],
			ActionID:  args[1],
			Outcome:   recordOutcome,
		})
		if err != nil {
			return err
		}
		// The pending queue dies with this process.
		if res.Queued {
			return errors.New("store unavailable; usage was not recorded")
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func parseTimeFlag(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be an RFC 3339 timestamp: %w", name, err)
	}
	return t, nil
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the usage log as CSV",
	Example: `  # Everything for one account in March
  aiquota export --account acct_123 --from 2025-03-01T00:00:00Z --to 2025-04-01T00:00:00Z -o march.csv`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseTimeFlag("from", exportFrom)
		if err != nil {
			return err
		}
		to, err := parseTimeFlag("to", exportTo)
		if err != nil {
			return err
		}

		cfg, err := loadConfig("aiquota-cli")
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		if exportOutput != "" {
			f, err := os.OpenFile(exportOutput, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return fmt.Errorf("create %s: %w", exportOutput, err)
			}
			defer f.Close()
			out = f
		}

		n, err := exportUsage(ctx, a.store, store.UsageFilter{
			AccountID: strings.TrimSpace(exportAccount),
			From:      from,
			To:        to,
		}, out)
		if err != nil {
			return err
		}
		if exportOutput != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d entries to %s\n", n, exportOutput)
		}
		return nil
	},
}

func exportUsage(ctx context.Context, log store.UsageLog, filter store.UsageFilter, w io.Writer) (int, error) {
	n, err := usage.ExportCSV(ctx, log, filter, w)
	if err != nil {
		return n, fmt.Errorf("export usage: %w", err)
	}
	return n, nil
}

var priceCmd = &cobra.Command{
	Use:   "price [monthly-price]",
	Short: "Show annual pricing",
	Long: `With a monthly price, show the annual, monthly-equivalent and savings figures for it.
Without one, show those figures for every active plan in the stored catalog.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		currency := strings.ToUpper(strings.TrimSpace(priceCurrency))

		var discount *decimal.Decimal
		if priceDiscount != "" {
			d, err := decimal.NewFromString(priceDiscount)
			if err != nil {
				return fmt.Errorf("--discount must be a number: %w", err)
			}
			if err := pricing.ValidateDiscount(d, pricing.MaxAdminDiscountPercent); err != nil {
				return err
			}
			discount = &d
		}

		if len(args) == 1 {
			monthly, err := decimal.NewFromString(args[0])
			if err != nil || monthly.IsNegative() {
				return fmt.Errorf("monthly price must be a non-negative number, got %q", args[0])
			}
			d := decimal.NewFromInt(pricing.DefaultAnnualDiscountPercent)
			if discount != nil {
				d = *discount
			}
			return printJSON(cmd.OutOrStdout(), pricing.Describe(monthly, d, currency))
		}

		cfg, err := loadConfig("aiquota-cli")
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		cat, err := a.cache.Get(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), planPrices(cat, quota.Currency(currency), discount))
	},
}

type planPrice struct {
	PlanID string            `json:"planId"`
	Name   string            `json:"name"`
	Prices pricing.Breakdown `json:"prices"`
}

// planPrices describes every active plan priced in currency. discount, when
// set, overrides each plan's own discount.
func planPrices(cat quota.Catalog, currency quota.Currency, discount *decimal.Decimal) []planPrice {
	defaultDiscount := decimal.NewFromInt(pricing.DefaultAnnualDiscountPercent)
	out := []planPrice{}
	for _, plan := range cat.SortedPlans() {
		if !plan.IsActive {
			continue
		}
		monthly, ok := plan.MonthlyPrice(currency)
		if !ok {
			continue
		}
		d := plan.Discount(defaultDiscount)
		if discount != nil {
			d = *discount
		}
		out = append(out, planPrice{
			PlanID: plan.ID,
			Name:   plan.Name,
			Prices: pricing.Describe(monthly, d, string(currency)),
		})
	}
	return out
}

var hashAdminKeyCmd = &cobra.Command{
	Use:   "hash-admin-key",
	Short: "Hash an admin key for AIQUOTA_ADMIN_KEY_HASH",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key := adminKey
		if key == "" {
			var err error
			key, err = promptAdminKey(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
		}
		hash, err := auth.HashAdminKey(key)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func promptAdminKey(w io.Writer) (string, error) {
	fmt.Fprint(w, "Admin key: ")
	first, err := readPassword(int(syscall.Stdin))
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("read admin key: %w", err)
	}
	fmt.Fprint(w, "Confirm admin key: ")
	second, err := readPassword(int(syscall.Stdin))
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("read admin key: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("admin keys do not match")
	}
	return string(first), nil
}

package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/model"
)

var vendorsCmd = &cobra.Command{
	Use:   "vendors",
	Short: "Manage tracked vendors",
}

var (
	vendorName       string
	vendorURL        string
	vendorFrequency  string
	vendorMethods    []string
	vendorMaxFailure int
)

var vendorsAddCmd = &cobra.Command{
	Use:   "add <vendor-id>",
	Short: "Add or update one vendor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		methods, err := parseMethods(vendorMethods)
		if err != nil {
			return err
		}
		vc := model.VendorScrapeConfig{
			VendorID:                    args[0],
			Name:                        vendorName,
			PricingURL:                  vendorURL,
			ScrapeFrequency:             model.ScrapeFrequency(strings.ToLower(vendorFrequency)),
			PreferredMethods:            methods,
			MaxFailuresBeforeEscalation: vendorMaxFailure,
		}
		if err := vc.Validate(); err != nil {
			return err
		}

		env, err := initEnv(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.UpsertVendor(cmd.Context(), vc); err != nil {
			return eris.Wrap(err, "vendors add")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", vc.VendorID)
		return nil
	},
}

var vendorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List vendors with their health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer env.Close()

		vendors, err := env.Store.ListVendors(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "vendors list")
		}
		if len(vendors) == 0 {
			fmt.Fprintln(os.Stderr, "No vendors found.")
			return nil
		}
		printVendors(cmd.OutOrStdout(), vendors)
		return nil
	},
}

var vendorsCSVPath string

var vendorsImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import vendors from CSV",
	Long:  "Reads a CSV with a header row. Columns: vendor_id, name, pricing_url, scrape_frequency, preferred_methods (semicolon separated), max_failures_before_escalation. Only vendor_id and pricing_url are required.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		f, err := os.Open(vendorsCSVPath)
		if err != nil {
			return eris.Wrapf(err, "open %s", vendorsCSVPath)
		}
		defer f.Close() //nolint:errcheck

		cfgs, err := readVendorCSV(f)
		if err != nil {
			return err
		}

		env, err := initEnv(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Store.UpsertVendors(cmd.Context(), cfgs)
		if err != nil {
			return eris.Wrap(err, "vendors import")
		}
		zap.L().Info("import complete", zap.Int64("vendors", n), zap.String("csv", vendorsCSVPath))
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d vendor(s)\n", n)
		return nil
	},
}

// readVendorCSV parses and validates every row. The first invalid row
// aborts the import.
func readVendorCSV(r io.Reader) ([]model.VendorScrapeConfig, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, eris.Wrap(err, "read csv header")
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, req := range []string{"vendor_id", "pricing_url"} {
		if _, ok := col[req]; !ok {
			return nil, eris.Errorf("csv header missing %q", req)
		}
	}
	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var out []model.VendorScrapeConfig
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "read csv line %d", line)
		}

		vc := model.VendorScrapeConfig{
			VendorID:        field(rec, "vendor_id"),
			Name:            field(rec, "name"),
			PricingURL:      field(rec, "pricing_url"),
			ScrapeFrequency: model.ScrapeFrequency(strings.ToLower(field(rec, "scrape_frequency"))),
		}
		if vc.ScrapeFrequency == "" {
			vc.ScrapeFrequency = model.FrequencyWeekly
		}
		if s := field(rec, "preferred_methods"); s != "" {
			ms, err := parseMethods(strings.Split(s, ";"))
			if err != nil {
				return nil, eris.Wrapf(err, "csv line %d", line)
			}
			vc.PreferredMethods = ms
		}
		if s := field(rec, "max_failures_before_escalation"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return nil, eris.Wrapf(err, "csv line %d: max_failures_before_escalation", line)
			}
			vc.MaxFailuresBeforeEscalation = n
		}
		if err := vc.Validate(); err != nil {
			return nil, eris.Wrapf(err, "csv line %d", line)
		}
		out = append(out, vc)
	}
	return out, nil
}

func parseMethods(in []string) ([]model.ScrapingMethod, error) {
	var out []model.ScrapingMethod
	for _, s := range in {
		if strings.TrimSpace(s) == "" {
			continue
		}
		m, err := model.ParseMethod(s)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func printVendors(out io.Writer, vendors []model.Vendor) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VENDOR\tFREQUENCY\tFAILURES\tLAST METHOD\tQUARANTINED\tURL")
	for _, v := range vendors {
		quarantined := "-"
		if v.Health.IsQuarantined && v.Health.QuarantineUntil != nil {
			quarantined = "until " + v.Health.QuarantineUntil.UTC().Format("2006-01-02 15:04")
		}
		last := string(v.Health.LastSuccessfulMethod)
		if last == "" {
			last = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			v.Config.VendorID, v.Config.ScrapeFrequency, v.Health.ConsecutiveFailures,
			last, quarantined, v.Config.PricingURL)
	}
	_ = w.Flush()
}

func init() {
	vendorsAddCmd.Flags().StringVar(&vendorName, "name", "", "display name")
	vendorsAddCmd.Flags().StringVar(&vendorURL, "url", "", "pricing page URL (required)")
	vendorsAddCmd.Flags().StringVar(&vendorFrequency, "frequency", "weekly", "scrape frequency: daily, weekly or monthly")
	vendorsAddCmd.Flags().StringSliceVar(&vendorMethods, "methods", nil, "preferred methods, in order")
	vendorsAddCmd.Flags().IntVar(&vendorMaxFailure, "max-failures", 3, "consecutive failures before escalation is disabled")
	_ = vendorsAddCmd.MarkFlagRequired("url")

	vendorsImportCmd.Flags().StringVar(&vendorsCSVPath, "csv", "", "path to CSV file (required)")
	_ = vendorsImportCmd.MarkFlagRequired("csv")

	vendorsCmd.AddCommand(vendorsAddCmd, vendorsListCmd, vendorsImportCmd)
	rootCmd.AddCommand(vendorsCmd)
}

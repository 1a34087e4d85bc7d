package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/normalize"
)

var (
	normalizeFile       string
	normalizeExtraction string
)

var normalizeCmd = &cobra.Command{
	Use:   "normalize",
	Short: "Normalize extracted pricing JSON to one comparable figure",
	RunE: func(cmd *cobra.Command, _ []string) error {
		raw, err := readRawPricing(normalizeFile)
		if err != nil {
			return err
		}

		var ev *model.Evidence
		if normalizeExtraction != "" {
			ev = &model.Evidence{ExtractionMethod: normalizeExtraction}
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(normalize.Normalize(raw, ev))
	},
}

func readRawPricing(path string) (normalize.RawPricing, error) {
	var raw normalize.RawPricing
	data, err := os.ReadFile(path)
	if err != nil {
		return raw, eris.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return raw, eris.Wrapf(err, "parse %s", path)
	}
	return raw, nil
}

func init() {
	normalizeCmd.Flags().StringVar(&normalizeFile, "file", "", "path to raw pricing JSON (required)")
	normalizeCmd.Flags().StringVar(&normalizeExtraction, "extraction", "", "extraction method used (selector, text, llm, vision, manual)")
	_ = normalizeCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(normalizeCmd)
}

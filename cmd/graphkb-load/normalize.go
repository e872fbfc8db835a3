package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bcgsc/pori/internal/load"
	"github.com/bcgsc/pori/internal/normalize"
	"github.com/bcgsc/pori/internal/output"
	"github.com/bcgsc/pori/internal/tabular"
)

// readRows reads a delimited text file, or the first sheet of an .xlsx
// workbook.
func readRows(path, delimiter string) ([]tabular.Row, error) {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return tabular.ReadXLSX(path, "")
	}
	return tabular.ReadFile(path, tabular.Options{Delimiter: delimiter})
}

// createOutput opens path for writing, stdout for "" or "-".
func createOutput(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating output file: %w", err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func newNormalizeCmd() *cobra.Command {
	var (
		geneColumn    string
		entrezColumn  string
		variantColumn string
		source        string
		format        string
		outputFile    string
		persist       bool
	)

	cmd := &cobra.Command{
		Use:   "normalize <input-file>",
		Short: "Normalize the variant names of a table",
		Long: `Normalize the variant names of a tab-delimited (or .xlsx) table with gene
and variant columns, writing one line per normalized variant. With --resolve
the variants are also written to the knowledgebase with their Infers links.`,
		Example: `  graphkb-load normalize variants.tsv
  graphkb-load normalize -f json -o out.jsonl variants.tsv
  graphkb-load normalize --resolve --db kb.duckdb variants.tsv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := readRows(args[0], "")
			if err != nil {
				return err
			}
			raws := make([]normalize.RawVariant, 0, len(rows))
			for _, row := range rows {
				raws = append(raws, normalize.RawVariant{
					Text:       row.Get(variantColumn),
					GeneSymbol: row.Get(geneColumn),
					EntrezID:   row.Get(entrezColumn),
				})
			}
			if n := viper.GetInt("maxrecords"); n > 0 && n < len(raws) {
				raws = raws[:n]
			}

			out, err := createOutput(outputFile)
			if err != nil {
				return err
			}
			defer out.Close()
			writer, err := output.NewWriter(format, out)
			if err != nil {
				return usageError{err}
			}

			return withSession(cmd.Context(), func(s *session) error {
				n := normalize.New()
				n.SetLogger(s.logger.Named("normalize"))
				opts := []load.Option{
					load.WithWorkers(viper.GetInt("workers")),
					load.WithSource(source),
				}
				if persist {
					opts = append(opts, load.WithResolver(s.resolver(source)))
				}
				if s.store != nil {
					opts = append(opts, load.WithStore(s.store))
				}
				if w := s.errorLog(); w != nil {
					opts = append(opts, load.WithErrorLog(w))
				}
				runner := load.NewRunner(n, opts...)
				runner.SetLogger(s.logger.Named("load"))

				if err := writer.WriteHeader(); err != nil {
					return fmt.Errorf("writing header: %w", err)
				}
				counts, err := runner.Run(cmd.Context(), load.Items(raws), func(res load.WorkResult) error {
					return writer.Write(res.Raw, res.Variants, res.Err)
				})
				if err != nil {
					return err
				}
				if err := writer.Flush(); err != nil {
					return fmt.Errorf("flushing output: %w", err)
				}
				return s.report(cmd.ErrOrStderr(), source, counts)
			})
		},
	}

	cmd.Flags().StringVar(&geneColumn, "gene-column", "gene", "Column holding the gene symbol")
	cmd.Flags().StringVar(&entrezColumn, "entrez-column", "entrez_id", "Column holding the Entrez gene id")
	cmd.Flags().StringVar(&variantColumn, "variant-column", "variant", "Column holding the variant name")
	cmd.Flags().StringVar(&source, "source", "", "Source whose vocabulary is preferred")
	cmd.Flags().StringVarP(&format, "output-format", "f", "tab", "Output format: tab, json")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default: stdout)")
	cmd.Flags().BoolVar(&persist, "resolve", false, "Write the variants to the knowledgebase")

	return cmd
}

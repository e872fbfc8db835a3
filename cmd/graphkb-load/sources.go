package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bcgsc/pori/internal/source/cgi"
	"github.com/bcgsc/pori/internal/source/civic"
	"github.com/bcgsc/pori/internal/source/cosmic"
	"github.com/bcgsc/pori/internal/source/moa"
	"github.com/bcgsc/pori/internal/source/oncokb"
	"github.com/bcgsc/pori/internal/source/variantlist"
)

func newCivicCmd() *cobra.Command {
	var (
		url      string
		status   string
		file     string
		oneToOne bool
	)

	cmd := &cobra.Command{
		Use:   "civic",
		Short: "Load CIViC evidence items",
		Example: `  graphkb-load civic
  graphkb-load civic --status submitted
  graphkb-load civic --file evidence_items.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *session) error {
				var records []civic.EvidenceRecord
				if file != "" {
					data, err := os.ReadFile(file)
					if err != nil {
						return err
					}
					if err := json.Unmarshal(data, &records); err != nil {
						return fmt.Errorf("decode %s: %w", file, err)
					}
				} else {
					api := civic.NewAPI(url)
					api.SetLogger(s.logger.Named("civic"))
					var err error
					if records, err = api.EvidenceItems(cmd.Context(), status); err != nil {
						return err
					}
				}
				if n := viper.GetInt("maxrecords"); n > 0 && n < len(records) {
					records = records[:n]
				}

				p := civic.NewProcessor(s.conn, s.resolver("civic"), s.genes, s.publications)
				p.SetLogger(s.logger.Named("civic"))
				p.SetOneToOne(oneToOne)
				counts, err := p.Upload(cmd.Context(), records)
				if err != nil {
					return err
				}
				return s.report(cmd.OutOrStdout(), "civic", counts)
			})
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "CIViC API base URL")
	cmd.Flags().StringVar(&status, "status", "accepted", "Evidence status to load: accepted, submitted")
	cmd.Flags().StringVar(&file, "file", "", "Read evidence items from a JSON file instead of the API")
	cmd.Flags().BoolVar(&oneToOne, "one-to-one", false, "Create one statement per evidence item")

	return cmd
}

func newOncoKBCmd() *cobra.Command {
	var genesFile string

	cmd := &cobra.Command{
		Use:   "oncokb <download-dir>",
		Short: "Load OncoKB curated genes and variants",
		Long: `Load the curated gene list and the annotated variants of an OncoKB
download directory (` + oncokb.AnnotatedVariantsFile + `, and ` + oncokb.VariantsFile + ` for
alternate notations).`,
		Example: `  graphkb-load oncokb --genes cancerGeneList.tsv ./oncokb`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := oncokb.ReadDir(args[0])
			if err != nil {
				return err
			}
			if n := viper.GetInt("maxrecords"); n > 0 && n < len(records) {
				records = records[:n]
			}
			return withSession(cmd.Context(), func(s *session) error {
				p := oncokb.NewProcessor(s.conn, s.resolver("oncokb"), s.genes)
				p.SetLogger(s.logger.Named("oncokb"))
				if genesFile != "" {
					genes, err := oncokb.LoadCuratedGenes(genesFile)
					if err != nil {
						return err
					}
					if _, err := p.UploadCuratedGenes(cmd.Context(), genes); err != nil {
						return err
					}
				}
				counts, err := p.Upload(cmd.Context(), records)
				if err != nil {
					return err
				}
				return s.report(cmd.OutOrStdout(), "oncokb", counts)
			})
		},
	}

	cmd.Flags().StringVar(&genesFile, "genes", "", "OncoKB cancer gene list TSV")

	return cmd
}

func newCGICmd() *cobra.Command {
	return &cobra.Command{
		Use:     "cgi <biomarkers-file>",
		Short:   "Load Cancer Genome Interpreter biomarkers",
		Example: `  graphkb-load cgi cgi_biomarkers_per_variant.tsv`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := readRows(args[0], "")
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(s *session) error {
				p := cgi.NewProcessor(s.conn, s.resolver("cgi"), s.genes, s.publications)
				p.SetLogger(s.logger.Named("cgi"))
				p.SetErrorLog(s.errorLog())
				result, err := p.Upload(cmd.Context(), rows, viper.GetInt("maxrecords"))
				if err != nil {
					return err
				}
				return s.report(cmd.OutOrStdout(), "cgi", result)
			})
		},
	}
}

func newMOACmd() *cobra.Command {
	var url, file string

	cmd := &cobra.Command{
		Use:   "moa",
		Short: "Load Molecular Oncology Almanac assertions",
		Example: `  graphkb-load moa
  graphkb-load moa --file assertions.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *session) error {
				var assertions []moa.Assertion
				if file != "" {
					f, err := os.Open(file)
					if err != nil {
						return err
					}
					defer f.Close()
					if assertions, err = moa.DecodeAssertions(f); err != nil {
						return err
					}
				} else {
					api := moa.NewAPI(url)
					api.SetLogger(s.logger.Named("moa"))
					var err error
					if assertions, err = api.Assertions(cmd.Context()); err != nil {
						return err
					}
				}
				if n := viper.GetInt("maxrecords"); n > 0 && n < len(assertions) {
					assertions = assertions[:n]
				}

				p := moa.NewProcessor(s.conn, s.resolver("moa"), s.publications)
				p.SetLogger(s.logger.Named("moa"))
				counts, err := p.Upload(cmd.Context(), assertions)
				if err != nil {
					return err
				}
				return s.report(cmd.OutOrStdout(), "moa", counts)
			})
		},
	}

	cmd.Flags().StringVar(&url, "url", moa.DefaultURL, "MOA assertions endpoint")
	cmd.Flags().StringVar(&file, "file", "", "Read assertions from a JSON file instead of the API")

	return cmd
}

func newCosmicCmd() *cobra.Command {
	var classification string

	cmd := &cobra.Command{
		Use:     "cosmic <resistance-mutations-file>",
		Short:   "Load COSMIC resistance mutations",
		Example: `  graphkb-load cosmic --classification classification.csv CosmicResistanceMutations.tsv.gz`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if classification == "" {
				return usageError{fmt.Errorf("--classification is required")}
			}
			classes, err := cosmic.LoadClassifications(classification)
			if err != nil {
				return err
			}
			rows, err := readRows(args[0], "")
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(s *session) error {
				p := cosmic.NewProcessor(s.conn, s.resolver("cosmic"), s.publications)
				p.SetLogger(s.logger.Named("cosmic"))
				p.SetErrorLog(s.errorLog())
				counts, err := p.Upload(cmd.Context(), rows, classes, viper.GetInt("maxrecords"))
				if err != nil {
					return err
				}
				return s.report(cmd.OutOrStdout(), "cosmic", counts)
			})
		},
	}

	cmd.Flags().StringVar(&classification, "classification", "", "COSMIC classification CSV mapping histologies to NCIt codes")

	return cmd
}

func newVariantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "variants <file>",
		Short:   "Load a list of variant notations, one per line",
		Example: `  graphkb-load variants variants.txt`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *session) error {
				l := variantlist.NewLoader(s.conn, s.genes)
				l.SetLogger(s.logger.Named("variants"))
				counts, err := l.UploadFile(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return s.report(cmd.OutOrStdout(), "variants", counts)
			})
		},
	}
}

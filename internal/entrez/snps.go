package entrez

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/bcgsc/pori/internal/kb"
	"github.com/bcgsc/pori/internal/notation"
)

// SNPSource is the knowledgebase source owning reference SNP records.
var SNPSource = map[string]any{
	"name":        "dbsnp",
	"displayName": "dbSNP",
	"url":         "https://www.ncbi.nlm.nih.gov/snp",
	"description": "dbSNP contains human single nucleotide variations, microsatellites, and small-scale insertions and deletions along with publication, population frequency, molecular consequence, and genomic and RefSeq mapping information for both common variations and clinical mutations.",
}

const snpLinkURL = "https://www.ncbi.nlm.nih.gov/snp"

var (
	// ReSNP matches a reference SNP id such as rs121913529.
	ReSNP = regexp.MustCompile(`(?i)^\s*rs(\d+)\s*$`)

	reCDSNotation     = regexp.MustCompile(`^NM_\d+.*:c\..*`)
	reProteinNotation = regexp.MustCompile(`^NP_\d+.*:p\..*`)
)

// SNPs loads dbSNP reference SNPs as CatalogueVariant records, linked to
// the coding and protein variants their summary describes.
type SNPs struct {
	*loader
	refseqs *RefSeqs
	genes   *Genes
}

// NewSNPs creates a reference SNP collaborator. refseqs and genes resolve
// the transcripts and genes named in the SNP summaries.
func NewSNPs(c *Client, conn kb.Client, refseqs *RefSeqs, genes *Genes) *SNPs {
	l := newLoader(c, conn, "snp", kb.ClassCatalogueVariant, SNPSource, nil)
	l.idKey = snpKey
	return &SNPs{loader: l, refseqs: refseqs, genes: genes}
}

// SetLogger sets the logger.
func (s *SNPs) SetLogger(l *zap.Logger) {
	s.logger = l
}

func snpKey(id string) string {
	if m := ReSNP.FindStringSubmatch(id); m != nil {
		return m[1]
	}
	return strings.ToLower(strings.TrimSpace(id))
}

// snpHGVS holds the notations a SNP summary lists.
type snpHGVS struct {
	CDS     string
	Protein string
	// Gene is the Entrez id of the gene the protein change falls in.
	Gene string
}

type snpRecord struct {
	content map[string]any
	hgvs    snpHGVS
}

type snpDoc struct {
	UID        string `json:"uid"`
	SNPID      int64  `json:"snp_id"`
	Docsum     string `json:"docsum"`
	UpdateDate string `json:"updatedate"`
	Genes      []struct {
		Name   string `json:"name"`
		GeneID string `json:"gene_id"`
	} `json:"genes"`
}

// parseSNP converts a dbSNP document summary into CatalogueVariant content
// and the notations to link.
func parseSNP(doc json.RawMessage) (*snpRecord, error) {
	var d snpDoc
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("decode snp: %w", err)
	}
	if err := requireFields("uid", d.UID); err != nil {
		return nil, err
	}
	if d.SNPID == 0 {
		return nil, fmt.Errorf("snp %s missing snp_id", d.UID)
	}
	name := fmt.Sprintf("rs%d", d.SNPID)
	rec := &snpRecord{content: map[string]any{
		"displayName": name,
		"name":        name,
		"sourceId":    d.UID,
		"url":         snpLinkURL + "/" + name,
	}}
	if d.UpdateDate != "" {
		rec.content["sourceIdVersion"] = d.UpdateDate
	}
	if len(d.Genes) > 0 {
		rec.hgvs.Gene = d.Genes[0].GeneID
	}

	for _, tag := range strings.Split(strings.ReplaceAll(d.Docsum, "&gt;", ">"), "|") {
		switch {
		case strings.HasPrefix(tag, "HGVS="):
			notations := strings.Split(strings.TrimPrefix(tag, "HGVS="), ",")
			sort.Sort(sort.Reverse(sort.StringSlice(notations)))
			for _, n := range notations {
				if rec.hgvs.CDS == "" && reCDSNotation.MatchString(n) {
					rec.hgvs.CDS = n
				}
				if rec.hgvs.Protein == "" && reProteinNotation.MatchString(n) {
					rec.hgvs.Protein = n
				}
			}
		case strings.HasPrefix(tag, "GENE="):
			// GENE=BRAF:673
			first, _, _ := strings.Cut(strings.TrimPrefix(tag, "GENE="), ",")
			if _, id, ok := strings.Cut(first, ":"); ok {
				rec.hgvs.Gene = id
			}
		}
	}
	return rec, nil
}

// FetchAndLoadByIDs returns CatalogueVariant records for reference SNP ids,
// given with or without the rs prefix.
func (s *SNPs) FetchAndLoadByIDs(ctx context.Context, ids []string) ([]kb.Record, error) {
	cached, remaining := s.pullFromCache(ids)
	if len(remaining) == 0 {
		return cached, nil
	}
	uids := make([]string, len(remaining))
	for i, id := range remaining {
		uids[i] = snpKey(id)
	}
	docs, err := s.client.FetchDocsums(ctx, s.db, uids)
	if err != nil {
		return nil, err
	}

	out := cached
	for _, doc := range docs {
		parsed, err := parseSNP(doc)
		if err != nil {
			s.logger.Error("skipping snp record", zap.Error(err))
			continue
		}
		rec, err := s.load(ctx, parsed)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SNPs) load(ctx context.Context, parsed *snpRecord) (kb.Record, error) {
	uploaded, err := s.upload(ctx, parsed.content)
	if err != nil {
		return nil, err
	}
	// the uid is the key requested ids map onto
	s.store(parsed.content["sourceId"].(string), uploaded)

	variant := s.loadHGVS(ctx, parsed.hgvs)
	if variant != nil {
		if _, err := s.kb.AddRecord(ctx, kb.ClassInfers, map[string]any{
			"in":  uploaded.RID(),
			"out": variant.RID(),
		}, kb.AddOptions{ExistsOK: true, SkipFetch: true}); err != nil {
			return nil, fmt.Errorf("link %s to %s: %w", uploaded.String("name"), variant.RID(), err)
		}
	}
	return uploaded, nil
}

// loadHGVS creates the coding and protein variants a SNP describes and
// returns the most specific one. Failures are logged, not returned.
func (s *SNPs) loadHGVS(ctx context.Context, h snpHGVS) kb.Record {
	var cds, protein kb.Record
	var err error
	if h.CDS != "" {
		if cds, err = s.addNotation(ctx, h.CDS, ""); err != nil {
			s.logger.Error("creating hgvs cds variant", zap.String("notation", h.CDS), zap.Error(err))
		}
	}
	if h.Protein != "" {
		if protein, err = s.addNotation(ctx, h.Protein, ""); err != nil {
			s.logger.Error("creating hgvs protein variant", zap.String("notation", h.Protein), zap.Error(err))
		}
	}
	if protein != nil && cds != nil {
		s.infers(ctx, protein, cds)
	}
	if protein != nil && h.Gene != "" && s.genes != nil {
		alternate, err := s.addNotation(ctx, h.Protein, h.Gene)
		if err != nil {
			s.logger.Error("creating gene protein variant", zap.String("notation", h.Protein), zap.Error(err))
		} else {
			s.infers(ctx, alternate, protein)
		}
	}
	if cds != nil {
		return cds
	}
	return protein
}

// addNotation parses a feature-qualified notation and adds it as a
// PositionalVariant on its RefSeq accession, or on geneID when set.
func (s *SNPs) addNotation(ctx context.Context, text, geneID string) (kb.Record, error) {
	parsed, err := notation.TryParse(text, true)
	if err != nil {
		return nil, err
	}
	var refs []kb.Record
	if geneID != "" {
		refs, err = s.genes.FetchAndLoadByIDs(ctx, []string{geneID})
	} else {
		refs, err = s.refseqs.FetchAndLoadByIDs(ctx, []string{parsed.Reference1})
	}
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("no feature found for %s", text)
	}
	vocab, err := s.kb.GetVocabularyTerm(ctx, parsed.Type, "")
	if err != nil {
		return nil, err
	}
	content := parsed.Content()
	content["reference1"] = refs[0].RID()
	content["type"] = vocab.RID()
	return s.kb.AddVariant(ctx, kb.ClassPositionalVariant, content, kb.AddOptions{ExistsOK: true})
}

func (s *SNPs) infers(ctx context.Context, in, out kb.Record) {
	if _, err := s.kb.AddRecord(ctx, kb.ClassInfers, map[string]any{
		"in":  in.RID(),
		"out": out.RID(),
	}, kb.AddOptions{ExistsOK: true, SkipFetch: true}); err != nil {
		s.logger.Error("linking hgvs variants", zap.String("in", in.RID()), zap.String("out", out.RID()), zap.Error(err))
	}
}

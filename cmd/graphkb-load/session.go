package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/bcgsc/pori/internal/duckdb"
	"github.com/bcgsc/pori/internal/entrez"
	"github.com/bcgsc/pori/internal/kb"
	"github.com/bcgsc/pori/internal/resolve"
)

// session holds the collaborators of one command run.
type session struct {
	logger       *zap.Logger
	conn         *kb.Conn
	store        *duckdb.Store
	genes        *entrez.Genes
	publications *entrez.Publications
	snps         *entrez.SNPs
	errLog       *os.File
}

// openSession connects to GraphKB, or to the local store when kb.url is
// unset, and sets up the Entrez loaders.
func openSession(ctx context.Context) (*session, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	s := &session{logger: logger}

	var transport kb.Transport
	if url := viper.GetString("kb.url"); url != "" {
		cfg := kb.DefaultHTTPConfig(url)
		cfg.Username = viper.GetString("kb.username")
		cfg.Password = viper.GetString("kb.password")
		client := kb.NewHTTPClient(cfg)
		client.SetLogger(logger.Named("graphkb"))
		if cfg.Username != "" {
			if err := client.Login(ctx); err != nil {
				return nil, fmt.Errorf("graphkb login: %w", err)
			}
		}
		transport = client
		logger.Info("using graphkb api", zap.String("url", url))
	} else {
		backend := kb.Backend(kb.NewMemoryBackend())
		if path := viper.GetString("db"); path != "" {
			if s.store, err = duckdb.Open(path); err != nil {
				return nil, err
			}
			backend = duckdb.NewBackend(s.store)
		}
		transport = kb.NewLocal(backend)
		logger.Info("using local store", zap.String("db", viper.GetString("db")))
	}
	s.conn = kb.NewConn(transport)
	s.conn.SetLogger(logger.Named("kb"))

	ecfg := entrez.DefaultConfig()
	if url := viper.GetString("entrez.url"); url != "" {
		ecfg.BaseURL = url
	}
	ecfg.APIKey = viper.GetString("entrez.apikey")
	client := entrez.NewClient(ecfg)
	client.SetLogger(logger.Named("entrez"))
	s.genes = entrez.NewGenes(client, s.conn)
	s.genes.SetLogger(logger.Named("entrez"))
	s.publications = entrez.NewPublications(client, s.conn)
	s.snps = entrez.NewSNPs(client, s.conn, entrez.NewRefSeqs(client, s.conn), s.genes)
	s.snps.SetLogger(logger.Named("entrez"))

	if path := viper.GetString("errorlog"); path != "" {
		if s.errLog, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err != nil {
			s.Close()
			return nil, fmt.Errorf("open error log: %w", err)
		}
	}
	return s, nil
}

// resolver returns a resolver preferring the vocabulary of source.
func (s *session) resolver(source string) *resolve.Resolver {
	r := resolve.New(s.conn, s.genes, resolve.WithSource(source), resolve.WithSNPs(s.snps))
	r.SetLogger(s.logger.Named("resolve"))
	return r
}

// errorLog returns the error log writer, nil when none was configured.
func (s *session) errorLog() io.Writer {
	if s.errLog == nil {
		return nil
	}
	return s.errLog
}

func (s *session) Close() error {
	var errs []error
	if s.errLog != nil {
		errs = append(errs, s.errLog.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	_ = s.logger.Sync()
	return errors.Join(errs...)
}

type report struct {
	Source  string                    `yaml:"source"`
	Counts  any                       `yaml:"counts"`
	Records map[string]kb.ClassCounts `yaml:"records,omitempty"`
}

// report writes the run summary as YAML.
func (s *session) report(w io.Writer, source string, counts any) error {
	out, err := yaml.Marshal(report{Source: source, Counts: counts, Records: s.conn.Counts()})
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	_, err = w.Write(out)
	return err
}

// withSession opens a session for fn and closes it afterwards.
func withSession(ctx context.Context, fn func(*session) error) (err error) {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.Close())
	}()
	return fn(s)
}

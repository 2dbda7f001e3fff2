// Package main pre-provisions available licenses in the pool, either from
// explicit codes or freshly generated ones, and prints the pool size per status.
//
//	mint --count 50 --source batch-2026-10
//	mint --code PARTNER-0001 --code PARTNER-0002 --price price_pro
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"slices"

	"github.com/spf13/pflag"

	"github.com/license-server/license-server/internal/config"
	"github.com/license-server/license-server/internal/crypto"
	"github.com/license-server/license-server/internal/db"
	"github.com/license-server/license-server/internal/db/models"
	"github.com/license-server/license-server/internal/db/repositories"
)

const maxGenerateAttempts = 5

// pool is the subset of the license repository the tool writes through
type pool interface {
	CreateAvailable(ctx context.Context, code string, metadata models.LicenseMetadata) (bool, error)
	CountByStatus(ctx context.Context) (map[models.LicenseStatus]int, error)
}

type mintOptions struct {
	count   int
	codes   []string
	source  string
	priceID string
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("mint", pflag.ContinueOnError)
	opts := mintOptions{}
	fs.IntVarP(&opts.count, "count", "n", 0, "number of codes to generate")
	fs.StringArrayVar(&opts.codes, "code", nil, "explicit code to add (repeatable)")
	fs.StringVar(&opts.source, "source", "mint", "value stored in the license metadata source field")
	fs.StringVar(&opts.priceID, "price", "", "price id stored in the license metadata")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.count <= 0 && len(opts.codes) == 0 {
		return errors.New("nothing to mint: pass --count or --code")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	database, err := db.Connect(cfg.Database.GetDSN(), 2, 1)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	return mint(context.Background(), repositories.NewLicenseRepository(database), opts, crypto.GenerateLicenseCode, out)
}

func mint(ctx context.Context, p pool, opts mintOptions, generate func() (string, error), out io.Writer) error {
	meta := models.LicenseMetadata{models.MetaSource: opts.source}
	if opts.priceID != "" {
		meta[models.MetaPriceID] = opts.priceID
	}

	created, skipped := 0, 0
	for _, raw := range opts.codes {
		code := crypto.NormalizeLicenseCode(raw)
		if code == "" {
			continue
		}
		ok, err := p.CreateAvailable(ctx, code, meta)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(out, "exists  %s\n", code)
			skipped++
			continue
		}
		fmt.Fprintf(out, "created %s\n", code)
		created++
	}

	for i := 0; i < opts.count; i++ {
		code, err := createGenerated(ctx, p, meta, generate)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "created %s\n", code)
		created++
	}

	counts, err := p.CountByStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\ncreated %d, skipped %d\n", created, skipped)
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	slices.Sort(statuses)
	for _, s := range statuses {
		fmt.Fprintf(out, "%-10s %d\n", s, counts[models.LicenseStatus(s)])
	}
	return nil
}

// createGenerated retries on the rare collision with an existing code
func createGenerated(ctx context.Context, p pool, meta models.LicenseMetadata, generate func() (string, error)) (string, error) {
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		code, err := generate()
		if err != nil {
			return "", fmt.Errorf("failed to generate license code: %w", err)
		}
		ok, err := p.CreateAvailable(ctx, code, meta)
		if err != nil {
			return "", err
		}
		if ok {
			return code, nil
		}
	}
	return "", fmt.Errorf("no unique license code after %d attempts", maxGenerateAttempts)
}

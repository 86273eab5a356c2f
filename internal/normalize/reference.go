package normalize

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/aviov/ct-toru/internal/gcs"
)

// ReferenceSet holds the Estonian reference lists fuzzy correction matches
// against, plus the curated subsets handed to the LLM cleanup pass.
type ReferenceSet struct {
	Addresses []string
	Companies []string
	Names     []string

	AddressSubset []string
	CompanySubset []string
	NameSubset    []string
}

const (
	addressesPath     = "reference_data/estonian_addresses.json"
	companiesPath     = "reference_data/estonian_companies.json"
	namesPath         = "reference_data/estonian_names.json"
	addressSubsetPath = "reference_data/estonian_addresses_subset.json"
	companySubsetPath = "reference_data/estonian_companies_subset.json"
	nameSubsetPath    = "reference_data/estonian_names_subset.json"
)

// LoadReferences reads every reference list from the blob store. A failed
// category degrades to "no correction available" for that category; it never
// aborts normalization.
func LoadReferences(ctx context.Context, bucket gcs.Bucket, log *logrus.Entry) ReferenceSet {
	load := func(path string) []string {
		entries, err := loadStringList(ctx, bucket, path)
		if err != nil {
			log.WithError(err).WithField("path", path).Warn("reference list unavailable")
			return nil
		}
		return entries
	}
	return ReferenceSet{
		Addresses:     load(addressesPath),
		Companies:     load(companiesPath),
		Names:         load(namesPath),
		AddressSubset: load(addressSubsetPath),
		CompanySubset: load(companySubsetPath),
		NameSubset:    load(nameSubsetPath),
	}
}

func loadStringList(ctx context.Context, bucket gcs.Bucket, path string) ([]string, error) {
	data, err := bucket.Download(ctx, path)
	if err != nil {
		return nil, err
	}
	var entries []string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return entries, nil
}

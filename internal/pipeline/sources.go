package pipeline

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/correlator-io/reconciler/internal/ingestion"
)

type (
	// ListingSource produces one bucket listing.
	ListingSource interface {
		Load(ctx context.Context) (ingestion.Listing, error)
		String() string
	}

	// FileListing reads an exported ListBucketResult document.
	FileListing struct {
		Path string
	}

	// BucketListing lists a live bucket.
	BucketListing struct {
		Lister *ingestion.S3Lister
		Bucket string
	}
)

// Load implements ListingSource.
func (s FileListing) Load(context.Context) (ingestion.Listing, error) {
	return ingestion.ParseListingFile(s.Path)
}

func (s FileListing) String() string { return "file " + s.Path }

// Load implements ListingSource.
func (s BucketListing) Load(ctx context.Context) (ingestion.Listing, error) {
	return s.Lister.List(ctx, s.Bucket)
}

func (s BucketListing) String() string { return "bucket " + s.Bucket }

// LoadListings reads every source concurrently and returns the listings in
// source order. The first failure cancels the remaining reads.
func LoadListings(ctx context.Context, sources ...ListingSource) ([]ingestion.Listing, error) {
	listings := make([]ingestion.Listing, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, src := range sources {
		g.Go(func() error {
			l, err := src.Load(gctx)
			if err != nil {
				return fmt.Errorf("load %s: %w", src, err)
			}

			listings[i] = l

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return listings, nil
}

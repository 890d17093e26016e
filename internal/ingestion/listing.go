package ingestion

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
)

// listBucketResult mirrors the fields of an S3 ListBucketResult document we need.
// Element names are matched without regard to namespace.
type listBucketResult struct {
	XMLName  xml.Name `xml:"ListBucketResult"`
	Name     string   `xml:"Name"`
	Contents []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
}

// ParseListing decodes an exported ListBucketResult document.
// Blank keys are dropped and duplicate keys keep their first position.
func ParseListing(r io.Reader) (Listing, error) {
	var doc listBucketResult

	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return Listing{}, fmt.Errorf("%w: decode bucket listing: %w", ErrMalformedInput, err)
	}

	listing := Listing{
		Bucket: strings.TrimSpace(doc.Name),
		Keys:   make([]string, 0, len(doc.Contents)),
	}

	seen := make(map[string]struct{}, len(doc.Contents))

	for _, c := range doc.Contents {
		key := strings.TrimSpace(c.Key)
		if key == "" {
			continue
		}

		if _, dup := seen[key]; dup {
			continue
		}

		seen[key] = struct{}{}
		listing.Keys = append(listing.Keys, key)
	}

	return listing, nil
}

// ParseListingFile opens path and decodes it with ParseListing.
func ParseListingFile(path string) (Listing, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return Listing{}, fmt.Errorf("open bucket listing: %w", err)
	}

	defer func() {
		_ = f.Close()
	}()

	return ParseListing(f)
}

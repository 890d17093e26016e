package ingestion

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves path-style ListObjectsV2 requests for one bucket in pages of two keys.
func fakeS3(t *testing.T, bucket string, keys []string) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		if r.URL.Path != "/"+bucket {
			w.WriteHeader(http.StatusNotFound)
			_, _ = fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>`+
				`<Error><Code>NoSuchBucket</Code><Message>The specified bucket does not exist</Message></Error>`)

			return
		}

		start := 0
		if token := r.URL.Query().Get("continuation-token"); token != "" {
			_, _ = fmt.Sscanf(token, "page-%d", &start)
		}

		end := min(start+2, len(keys))

		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
		b.WriteString(`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
		fmt.Fprintf(&b, "<Name>%s</Name><KeyCount>%d</KeyCount>", bucket, end-start)

		for _, k := range keys[start:end] {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>1</Size></Contents>", k)
		}

		if end < len(keys) {
			fmt.Fprintf(&b, "<IsTruncated>true</IsTruncated><NextContinuationToken>page-%d</NextContinuationToken>", end)
		} else {
			b.WriteString("<IsTruncated>false</IsTruncated>")
		}

		b.WriteString("</ListBucketResult>")

		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(b.String()))
	}))

	t.Cleanup(srv.Close)

	return srv, &calls
}

func TestS3Lister_List(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	keys := []string{"a.csv", "b.csv", "c.csv", "d.csv", "e.csv"}
	srv, calls := fakeS3(t, "sales-landing", keys)

	lister, err := NewS3Lister(&S3Config{
		Endpoint:        srv.URL,
		Region:          "us-east-1",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
		PageSize:        2,
	})
	require.NoError(t, err)

	listing, err := lister.List(t.Context(), "sales-landing")
	require.NoError(t, err)

	assert.Equal(t, "sales-landing", listing.Bucket)
	assert.Equal(t, keys, listing.Keys)
	assert.Equal(t, int32(3), calls.Load())
}

func TestS3Lister_Errors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	srv, _ := fakeS3(t, "sales-landing", nil)

	lister, err := NewS3Lister(&S3Config{Endpoint: srv.URL, Region: "us-east-1", UsePathStyle: true, PageSize: 10})
	require.NoError(t, err)

	_, err = lister.List(t.Context(), "other-bucket")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "other-bucket")

	_, err = lister.List(t.Context(), " ")
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestS3Config(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("RECONCILER_S3_ENDPOINT", "http://localhost:9000")
	t.Setenv("RECONCILER_S3_REGION", "")
	t.Setenv("AWS_REGION", "eu-central-1")
	t.Setenv("RECONCILER_S3_PATH_STYLE", "true")

	cfg := LoadS3Config()
	assert.Equal(t, "http://localhost:9000", cfg.Endpoint)
	assert.Equal(t, "eu-central-1", cfg.Region)
	assert.True(t, cfg.UsePathStyle)
	assert.Equal(t, int32(defaultS3PageSize), cfg.PageSize)

	tests := []struct {
		name    string
		mutate  func(*S3Config)
		wantErr error
	}{
		{name: "valid", mutate: func(*S3Config) {}},
		{name: "no region", mutate: func(c *S3Config) { c.Region = "" }, wantErr: ErrS3RegionEmpty},
		{name: "key without secret", mutate: func(c *S3Config) { c.AccessKeyID = "id" }, wantErr: ErrS3PartialCredentials},
		{name: "page size", mutate: func(c *S3Config) { c.PageSize = 0 }, wantErr: ErrS3InvalidPageSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &S3Config{Region: "us-east-1", PageSize: 100}
			tt.mutate(c)

			err := c.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)

				return
			}

			assert.ErrorIs(t, err, tt.wantErr)

			_, err = NewS3Lister(c)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

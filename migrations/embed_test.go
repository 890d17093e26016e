package migrations

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedded_ListAndValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	set := New(nil)

	names, err := set.List()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"001_catalog_entities.down.sql",
		"001_catalog_entities.up.sql",
		"002_process_edges.down.sql",
		"002_process_edges.up.sql",
		"003_api_keys.down.sql",
		"003_api_keys.up.sql",
	}, names)

	require.NoError(t, set.Validate())

	latest, err := set.Latest()
	require.NoError(t, err)
	assert.Equal(t, 3, latest)

	body, err := set.Content("001_catalog_entities.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS catalog_entities")

	_, err = FS().Open("002_process_edges.up.sql")
	assert.NoError(t, err)
}

func TestSet_Validate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	file := func(body string) *fstest.MapFile { return &fstest.MapFile{Data: []byte(body)} }

	tests := []struct {
		name    string
		fs      fstest.MapFS
		wantErr error
	}{
		{
			name:    "empty",
			fs:      fstest.MapFS{"README.md": file("x")},
			wantErr: ErrNoMigrations,
		},
		{
			name: "missing down",
			fs: fstest.MapFS{
				"001_init.up.sql": file("CREATE TABLE a();"),
			},
			wantErr: ErrUnpaired,
		},
		{
			name: "sequence gap",
			fs: fstest.MapFS{
				"001_init.up.sql":   file("a"),
				"001_init.down.sql": file("a"),
				"003_more.up.sql":   file("b"),
				"003_more.down.sql": file("b"),
			},
			wantErr: ErrSequenceGap,
		},
		{
			name: "does not start at one",
			fs: fstest.MapFS{
				"002_init.up.sql":   file("a"),
				"002_init.down.sql": file("a"),
			},
			wantErr: ErrSequenceGap,
		},
		{
			name: "valid with ignored files",
			fs: fstest.MapFS{
				"001_init.up.sql":   file("a"),
				"001_init.down.sql": file("a"),
				"notes.txt":         file("ignored"),
				"1_bad.up.sql":      file("ignored"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.fs).Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)

				return
			}

			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSet_ValidateDetectsChangedFiles(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fsys := fstest.MapFS{
		"001_init.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE a();")},
		"001_init.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE a;")},
	}

	set := New(fsys)
	require.NoError(t, set.Validate())
	require.NoError(t, set.Validate())

	fsys["001_init.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE b();")}
	assert.ErrorIs(t, set.Validate(), ErrChecksumMismatch)
}

func TestParse(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	info, err := Parse("002_process_edges.down.sql")
	require.NoError(t, err)
	assert.Equal(t, Info{Sequence: 2, Name: "process_edges", Direction: "down", Filename: "002_process_edges.down.sql"}, info)

	_, err = Parse("2_edges.sql")
	assert.ErrorIs(t, err, ErrInvalidFilename)
}

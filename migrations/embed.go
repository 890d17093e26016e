// Package migrations embeds the catalog schema migrations so binaries can
// apply them without a migrations directory on disk.
package migrations

import (
	"crypto/sha256"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strconv"
)

//go:embed *.sql
var files embed.FS

// filenamePattern matches 001_name.up.sql and 001_name.down.sql.
var filenamePattern = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

var (
	// ErrNoMigrations is returned when the filesystem holds no migration files.
	ErrNoMigrations = errors.New("no migration files found")

	// ErrInvalidFilename is returned for files that do not follow 001_name.(up|down).sql.
	ErrInvalidFilename = errors.New("invalid migration filename")

	// ErrUnpaired is returned when an up migration lacks its down (or the reverse).
	ErrUnpaired = errors.New("unpaired migration")

	// ErrSequenceGap is returned when sequence numbers do not run 001, 002, ... without gaps.
	ErrSequenceGap = errors.New("gap in migration sequence")

	// ErrChecksumMismatch is returned when a file changed after it was first validated.
	ErrChecksumMismatch = errors.New("migration checksum mismatch")
)

type (
	// Info describes one migration file.
	Info struct {
		Sequence  int
		Name      string
		Direction string
		Filename  string
	}

	// Set is a validated view over a migrations filesystem.
	Set struct {
		fs        fs.FS
		checksums map[string]string
	}
)

// FS returns the embedded migration files.
func FS() fs.FS {
	return files
}

// New returns a Set over fsys, or over the embedded files when fsys is nil.
func New(fsys fs.FS) *Set {
	if fsys == nil {
		fsys = files
	}

	return &Set{fs: fsys, checksums: make(map[string]string)}
}

// FS returns the filesystem the set reads from.
func (s *Set) FS() fs.FS {
	return s.fs
}

// List returns well-formed migration filenames in apply order.
func (s *Set) List() ([]string, error) {
	entries, err := fs.ReadDir(s.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var names []string

	for _, entry := range entries {
		if entry.IsDir() || !filenamePattern.MatchString(entry.Name()) {
			continue
		}

		names = append(names, entry.Name())
	}

	slices.Sort(names)

	return names, nil
}

// Content returns the body of one migration file.
func (s *Set) Content(filename string) ([]byte, error) {
	return fs.ReadFile(s.fs, filename)
}

// Latest returns the highest sequence number in the set, or 0 when empty.
func (s *Set) Latest() (int, error) {
	names, err := s.List()
	if err != nil {
		return 0, err
	}

	latest := 0

	for _, name := range names {
		info, err := Parse(name)
		if err != nil {
			return 0, err
		}

		latest = max(latest, info.Sequence)
	}

	return latest, nil
}

// Validate checks pairing, sequence continuity and, on repeat calls, that no
// file changed since the previous call.
func (s *Set) Validate() error {
	names, err := s.List()
	if err != nil {
		return err
	}

	if len(names) == 0 {
		return ErrNoMigrations
	}

	infos := make([]Info, 0, len(names))

	for _, name := range names {
		info, err := Parse(name)
		if err != nil {
			return err
		}

		infos = append(infos, info)
	}

	if err := checkPairs(infos); err != nil {
		return err
	}

	if err := checkSequence(infos); err != nil {
		return err
	}

	for _, name := range names {
		content, err := s.Content(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}

		sum := fmt.Sprintf("%x", sha256.Sum256(content))

		if previous, ok := s.checksums[name]; ok && previous != sum {
			return fmt.Errorf("%w: %s", ErrChecksumMismatch, name)
		}

		s.checksums[name] = sum
	}

	return nil
}

// Parse splits a migration filename into its parts.
func Parse(filename string) (Info, error) {
	m := filenamePattern.FindStringSubmatch(filename)
	if len(m) != 4 { //nolint:mnd
		return Info{}, fmt.Errorf("%w: %s (expected 001_name.up.sql or 001_name.down.sql)", ErrInvalidFilename, filename)
	}

	seq, err := strconv.Atoi(m[1])
	if err != nil {
		return Info{}, fmt.Errorf("%w: %s: %w", ErrInvalidFilename, filename, err)
	}

	return Info{Sequence: seq, Name: m[2], Direction: m[3], Filename: filename}, nil
}

func checkPairs(infos []Info) error {
	directions := make(map[string]map[string]bool)

	for _, info := range infos {
		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if directions[key] == nil {
			directions[key] = make(map[string]bool)
		}

		directions[key][info.Direction] = true
	}

	for key, seen := range directions {
		if !seen["up"] {
			return fmt.Errorf("%w: %s has no up migration", ErrUnpaired, key)
		}

		if !seen["down"] {
			return fmt.Errorf("%w: %s has no down migration", ErrUnpaired, key)
		}
	}

	return nil
}

func checkSequence(infos []Info) error {
	var seqs []int

	for _, info := range infos {
		if !slices.Contains(seqs, info.Sequence) {
			seqs = append(seqs, info.Sequence)
		}
	}

	slices.Sort(seqs)

	for i, seq := range seqs {
		if seq != i+1 {
			return fmt.Errorf("%w: expected %03d, found %03d", ErrSequenceGap, i+1, seq)
		}
	}

	return nil
}

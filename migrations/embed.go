// Package migrations embeds the EBOA schema migrations and applies them with
// golang-migrate.
//
// Files follow the 001_name.up.sql / 001_name.down.sql convention. The catalog
// is validated before every state-changing command so a binary with a broken
// migration set never touches the database.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embedded embed.FS

var filenamePattern = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// ErrNoMigrations is returned when a catalog holds no migration file.
var ErrNoMigrations = errors.New("no migration files found")

type (
	// Catalog lists and validates the migration files of a file system.
	Catalog struct {
		fs fs.FS
	}

	// File is a parsed migration filename.
	File struct {
		Sequence  int
		Name      string
		Direction string
		Filename  string
	}
)

// NewCatalog returns a catalog over fsys. A nil fsys uses the embedded migrations.
func NewCatalog(fsys fs.FS) *Catalog {
	if fsys == nil {
		fsys = embedded
	}

	return &Catalog{fs: fsys}
}

// FS returns the underlying file system.
func (c *Catalog) FS() fs.FS {
	return c.fs
}

// List returns the .sql files of the catalog in lexicographic order.
// Files not following the naming convention are reported by Validate.
func (c *Catalog) List() ([]string, error) {
	entries, err := fs.ReadDir(c.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if !entry.IsDir() && path.Ext(entry.Name()) == ".sql" {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)

	return files, nil
}

// Validate checks filenames, up/down pairing and that sequences start at 001
// without gaps.
func (c *Catalog) Validate() error {
	names, err := c.List()
	if err != nil {
		return err
	}

	if len(names) == 0 {
		return ErrNoMigrations
	}

	pairs := make(map[string]map[string]bool)
	sequences := make(map[int]bool)

	for _, name := range names {
		f, err := parseFilename(name)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("%03d_%s", f.Sequence, f.Name)
		if pairs[key] == nil {
			pairs[key] = make(map[string]bool)
		}

		pairs[key][f.Direction] = true
		sequences[f.Sequence] = true
	}

	for key, directions := range pairs {
		if !directions["up"] {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if !directions["down"] {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	for seq := 1; seq <= len(sequences); seq++ {
		if !sequences[seq] {
			return fmt.Errorf("gap in migration sequence: %03d is missing", seq)
		}
	}

	return nil
}

// Latest returns the highest sequence number of the catalog, 0 when empty.
func (c *Catalog) Latest() int {
	names, err := c.List()
	if err != nil {
		return 0
	}

	latest := 0

	for _, name := range names {
		if f, err := parseFilename(name); err == nil && f.Sequence > latest {
			latest = f.Sequence
		}
	}

	return latest
}

func parseFilename(name string) (File, error) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return File{}, fmt.Errorf("invalid migration filename %s (expected 001_name.up.sql or 001_name.down.sql)", name)
	}

	seq, err := strconv.Atoi(m[1])
	if err != nil {
		return File{}, fmt.Errorf("invalid sequence number in filename %s: %w", name, err)
	}

	return File{Sequence: seq, Name: m[2], Direction: m[3], Filename: name}, nil
}

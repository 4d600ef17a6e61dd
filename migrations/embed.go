// Package migrations embeds the SQL schema migrations so deployments carry
// their schema with the binary, and validates the embedded set at load time:
// strict filenames, up/down pairing, and a gapless sequence.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embedded embed.FS

// filenameRegex enforces the naming standard: 001_name.up.sql / 001_name.down.sql.
var filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// Sentinel errors for migration validation.
var (
	// ErrInvalidMigrationName is returned for files not matching the naming standard.
	ErrInvalidMigrationName = errors.New("invalid migration filename")

	// ErrUnpairedMigration is returned when an up migration lacks its down (or vice versa).
	ErrUnpairedMigration = errors.New("unpaired migration")

	// ErrSequenceGap is returned when migration sequence numbers are not contiguous from 1.
	ErrSequenceGap = errors.New("migration sequence gap")
)

// Info describes one embedded migration file.
type Info struct {
	Sequence  int
	Name      string
	Direction string // "up" or "down"
	Filename  string
}

// FS returns the embedded migration filesystem for golang-migrate's iofs source.
func FS() fs.FS {
	return embedded
}

// List returns all embedded migration files sorted by sequence then direction.
// Files violating the naming standard are an error, not skipped: an unnoticed
// typo would silently drop a schema change.
func List() ([]Info, error) {
	entries, err := fs.ReadDir(embedded, ".")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}

	infos := make([]Info, 0, len(entries))

	for _, entry := range entries {
		match := filenameRegex.FindStringSubmatch(entry.Name())
		if match == nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidMigrationName, entry.Name())
		}

		seq, _ := strconv.Atoi(match[1])
		infos = append(infos, Info{
			Sequence:  seq,
			Name:      match[2],
			Direction: match[3],
			Filename:  entry.Name(),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Sequence != infos[j].Sequence {
			return infos[i].Sequence < infos[j].Sequence
		}

		return infos[i].Direction < infos[j].Direction
	})

	return infos, nil
}

// Validate checks pairing and sequence contiguity of the embedded set.
func Validate() error {
	infos, err := List()
	if err != nil {
		return err
	}

	pairs := make(map[int]map[string]bool)
	for _, info := range infos {
		if pairs[info.Sequence] == nil {
			pairs[info.Sequence] = make(map[string]bool)
		}

		pairs[info.Sequence][info.Direction] = true
	}

	sequences := make([]int, 0, len(pairs))

	for seq, directions := range pairs {
		if !directions["up"] || !directions["down"] {
			return fmt.Errorf("%w: sequence %03d", ErrUnpairedMigration, seq)
		}

		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	for i, seq := range sequences {
		if seq != i+1 {
			return fmt.Errorf("%w: expected %03d, found %03d", ErrSequenceGap, i+1, seq)
		}
	}

	return nil
}

// Package migrations discovers and loads schema migration scripts.
//
// Scripts are numbered SQL files named NNNN_description.sql, with an
// optional NNNN_description_reverse.sql rollback companion. A Source
// yields the raw files; Load pairs and orders them into a Set that the
// queue layer applies one migration per transaction.
package migrations

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/koustreak/Sluice/internal/errs"
)

// SubqueryDelimiter separates the individual statements of one migration
// script. Every statement between delimiters runs in the same transaction.
const SubqueryDelimiter = "-- SUBQUERY DELIMITER\n"

// Migration is one numbered schema change.
type Migration struct {
	ID      int
	Name    string
	Forward string
	Reverse string
}

// HasReverse reports whether a rollback script was provided.
func (m Migration) HasReverse() bool { return m.Reverse != "" }

// Statements splits the forward script on the subquery delimiter,
// dropping blank fragments.
func (m Migration) Statements() []string {
	return SplitStatements(m.Forward)
}

// ReverseStatements splits the rollback script on the subquery delimiter.
func (m Migration) ReverseStatements() []string {
	return SplitStatements(m.Reverse)
}

// SplitStatements breaks a migration script into its statements. Scripts
// without the delimiter are a single statement.
func SplitStatements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, SubqueryDelimiter) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Set is an ordered collection of migrations, keyed by id.
// It is read-only once built.
type Set struct {
	ordered []Migration
	byID    map[int]Migration
}

// All returns the migrations in ascending id order.
func (s *Set) All() []Migration {
	if s == nil {
		return nil
	}
	return s.ordered
}

// Get returns the migration with the given id.
func (s *Set) Get(id int) (Migration, bool) {
	if s == nil {
		return Migration{}, false
	}
	m, ok := s.byID[id]
	return m, ok
}

// Len returns the number of migrations in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ordered)
}

// LatestID returns the highest migration id, or 0 for an empty set.
func (s *Set) LatestID() int {
	if s == nil || len(s.ordered) == 0 {
		return 0
	}
	return s.ordered[len(s.ordered)-1].ID
}

// After returns the migrations with ids strictly greater than id,
// in ascending order.
func (s *Set) After(id int) []Migration {
	if s == nil {
		return nil
	}
	i := sort.Search(len(s.ordered), func(i int) bool { return s.ordered[i].ID > id })
	return s.ordered[i:]
}

// Source yields raw migration files from some backing store.
type Source interface {
	// Files returns file name to content for every .sql file the
	// source can see. Non-SQL files are ignored by the loader.
	Files(ctx context.Context) (map[string]string, error)
}

// Load reads all files from src and assembles them into a Set. A reverse
// script without a matching forward script is an error, as are duplicate
// ids.
func Load(ctx context.Context, src Source) (*Set, error) {
	if src == nil {
		return nil, errs.New(errs.ErrKindInvalidInput, "nil migration source")
	}

	files, err := src.Files(ctx)
	if err != nil {
		return nil, err
	}

	forward := make(map[int]Migration)
	reverse := make(map[int]string)
	for name, content := range files {
		id, base, isReverse, ok := parseFileName(name)
		if !ok {
			continue
		}
		if isReverse {
			if _, dup := reverse[id]; dup {
				return nil, errs.Newf(errs.ErrKindBadData, "duplicate reverse migration %04d", id)
			}
			reverse[id] = content
			continue
		}
		if prev, dup := forward[id]; dup {
			return nil, errs.Newf(errs.ErrKindBadData,
				"duplicate migration id %04d (%s and %s)", id, prev.Name, base)
		}
		forward[id] = Migration{ID: id, Name: base, Forward: content}
	}

	for id := range reverse {
		if _, ok := forward[id]; !ok {
			return nil, errs.Newf(errs.ErrKindBadData, "reverse migration %04d has no forward script", id)
		}
	}

	set := &Set{byID: make(map[int]Migration, len(forward))}
	for id, m := range forward {
		m.Reverse = reverse[id]
		set.byID[id] = m
		set.ordered = append(set.ordered, m)
	}
	sort.Slice(set.ordered, func(i, j int) bool { return set.ordered[i].ID < set.ordered[j].ID })
	return set, nil
}

var fileNameRe = regexp.MustCompile(`^(\d{4})_(.+?)(_reverse)?\.sql$`)

func parseFileName(name string) (id int, base string, isReverse bool, ok bool) {
	m := fileNameRe.FindStringSubmatch(name)
	if m == nil {
		return 0, "", false, false
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false, false
	}
	return id, m[2], m[3] != "", true
}

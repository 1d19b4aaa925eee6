// Package params implements Sluice's typed-parameter codec: parsing the
// JSON parameter document attached to a query request, and rewriting
// :name placeholders into each engine's native positional markers.
package params

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/koustreak/Sluice/internal/errs"
)

// Type tags a parameter value for dialect-correct binding.
type Type int

const (
	TypeInteger Type = iota
	TypeString
	TypeBoolean
	TypeFloat
	TypeText
	TypeDate
	TypeTime
	TypeDateTime
	TypeTimestamp
)

var typeNames = [...]string{
	TypeInteger:   "INTEGER",
	TypeString:    "STRING",
	TypeBoolean:   "BOOLEAN",
	TypeFloat:     "FLOAT",
	TypeText:      "TEXT",
	TypeDate:      "DATE",
	TypeTime:      "TIME",
	TypeDateTime:  "DATETIME",
	TypeTimestamp: "TIMESTAMP",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "UNKNOWN"
}

// ParseType maps a document key ("INTEGER", "DATE", …) to its Type.
func ParseType(s string) (Type, bool) {
	for i, name := range typeNames {
		if name == s {
			return Type(i), true
		}
	}
	return 0, false
}

// TypedParameter is one named, type-tagged value.
type TypedParameter struct {
	Name  string
	Type  Type
	Value any // int64, string, bool, float64 — raw string for temporal types
}

// List is an insertion-ordered collection of typed parameters.
type List struct {
	Params []*TypedParameter
}

// Lookup returns the first parameter with the given name, or nil.
func (l *List) Lookup(name string) *TypedParameter {
	if l == nil {
		return nil
	}
	for _, p := range l.Params {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Len returns the number of parameters in the list.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Params)
}

// ParseTyped decodes a typed-parameter document into a List. The document
// is a JSON object keyed by type name, each key mapping parameter names to
// values:
//
//	{"INTEGER": {"id": 42}, "STRING": {"status": "queued"}}
//
// Order within the document is preserved. A JSON null anywhere fails the
// whole parse; a value whose JSON type disagrees with its group fails too.
// Temporal values (DATE, TIME, DATETIME, TIMESTAMP) are kept as raw strings
// here — calendar validity is checked at bind time, not parse time.
func ParseTyped(document string) (*List, error) {
	if document == "" {
		return &List{}, nil
	}

	dec := json.NewDecoder(strings.NewReader(document))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindBadData, "malformed parameter document", err)
	}
	if tok != json.Delim('{') {
		return nil, errs.New(errs.ErrKindBadData, "parameter document must be a JSON object")
	}

	list := &List{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, errs.Wrap(errs.ErrKindBadData, "malformed parameter document", err)
		}
		typeKey := keyTok.(string)

		typ, known := ParseType(typeKey)
		if !known {
			// Unknown top-level sections are skipped, matching the
			// tolerant handling of extra keys in the document.
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, errs.Wrap(errs.ErrKindBadData, "malformed parameter document", err)
			}
			continue
		}

		if err := parseGroup(dec, typ, list); err != nil {
			return nil, err
		}
	}

	if _, err := dec.Token(); err != nil {
		return nil, errs.Wrap(errs.ErrKindBadData, "malformed parameter document", err)
	}
	return list, nil
}

// parseGroup consumes one "TYPE": {name: value, …} group.
func parseGroup(dec *json.Decoder, typ Type, list *List) error {
	tok, err := dec.Token()
	if err != nil {
		return errs.Wrap(errs.ErrKindBadData, "malformed parameter document", err)
	}
	if tok != json.Delim('{') {
		return errs.Newf(errs.ErrKindBadData, "%s section must be a JSON object", typ)
	}

	for dec.More() {
		nameTok, err := dec.Token()
		if err != nil {
			return errs.Wrap(errs.ErrKindBadData, "malformed parameter document", err)
		}
		name := nameTok.(string)

		valTok, err := dec.Token()
		if err != nil {
			return errs.Wrap(errs.ErrKindBadData, "malformed parameter document", err)
		}

		value, err := coerceValue(typ, name, valTok)
		if err != nil {
			return err
		}

		list.Params = append(list.Params, &TypedParameter{
			Name:  name,
			Type:  typ,
			Value: value,
		})
	}

	if _, err := dec.Token(); err != nil {
		return errs.Wrap(errs.ErrKindBadData, "malformed parameter document", err)
	}
	return nil
}

// coerceValue validates a decoded JSON token against the declared type.
func coerceValue(typ Type, name string, tok json.Token) (any, error) {
	if tok == nil {
		return nil, errs.Newf(errs.ErrKindBadData, "parameter %q is null", name)
	}
	if _, isDelim := tok.(json.Delim); isDelim {
		return nil, errs.Newf(errs.ErrKindBadData,
			"parameter %q must be a scalar value", name)
	}

	switch typ {
	case TypeInteger:
		num, ok := tok.(json.Number)
		if !ok {
			return nil, typeMismatch(name, typ, tok)
		}
		n, err := num.Int64()
		if err != nil {
			return nil, typeMismatch(name, typ, tok)
		}
		return n, nil

	case TypeFloat:
		// Integers are accepted for float parameters.
		num, ok := tok.(json.Number)
		if !ok {
			return nil, typeMismatch(name, typ, tok)
		}
		f, err := num.Float64()
		if err != nil {
			return nil, typeMismatch(name, typ, tok)
		}
		return f, nil

	case TypeBoolean:
		b, ok := tok.(bool)
		if !ok {
			return nil, typeMismatch(name, typ, tok)
		}
		return b, nil

	case TypeString, TypeText, TypeDate, TypeTime, TypeDateTime, TypeTimestamp:
		s, ok := tok.(string)
		if !ok {
			return nil, typeMismatch(name, typ, tok)
		}
		return s, nil
	}

	return nil, errs.Newf(errs.ErrKindBadData, "parameter %q has unknown type", name)
}

func typeMismatch(name string, typ Type, tok json.Token) error {
	return errs.Newf(errs.ErrKindBadData,
		"parameter %q: value %v does not match declared type %s", name, tok, typ)
}

// Placeholder selects an engine's positional marker dialect.
type Placeholder int

const (
	// PlaceholderDollar renders $1, $2, … (PostgreSQL).
	PlaceholderDollar Placeholder = iota
	// PlaceholderQuestion renders ? for every position (MySQL, SQLite, DB2).
	PlaceholderQuestion
)

func (p Placeholder) marker(position int) string {
	if p == PlaceholderDollar {
		return fmt.Sprintf("$%d", position)
	}
	return "?"
}

// ConvertNamedToPositional rewrites every :identifier in template with the
// engine's positional marker and returns the rewritten SQL together with
// one parameter per occurrence, in template order. The same name appearing
// twice contributes two entries. A placeholder with no matching parameter
// in list is an error.
func ConvertNamedToPositional(template string, list *List, style Placeholder) (string, []*TypedParameter, error) {
	if template == "" {
		return "", nil, errs.New(errs.ErrKindInvalidInput, "empty SQL template")
	}

	var (
		sb      strings.Builder
		ordered []*TypedParameter
	)
	sb.Grow(len(template))

	for i := 0; i < len(template); {
		c := template[i]
		if c != ':' || i+1 >= len(template) || !isIdentStart(template[i+1]) {
			sb.WriteByte(c)
			i++
			continue
		}

		// Scan the :identifier.
		j := i + 1
		for j < len(template) && isIdentPart(template[j]) {
			j++
		}
		name := template[i+1 : j]

		param := list.Lookup(name)
		if param == nil {
			return "", nil, errs.Newf(errs.ErrKindBadData,
				"placeholder :%s has no matching parameter", name)
		}

		ordered = append(ordered, param)
		sb.WriteString(style.marker(len(ordered)))
		i = j
	}

	return sb.String(), ordered, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

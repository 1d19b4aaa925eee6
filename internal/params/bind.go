package params

import (
	"time"

	"github.com/koustreak/Sluice/internal/errs"
)

// Accepted layouts per temporal type. Timestamps may carry fractional
// seconds; datetimes may use either a space or a T separator.
var temporalLayouts = map[Type][]string{
	TypeDate:     {"2006-01-02"},
	TypeTime:     {"15:04:05", "15:04"},
	TypeDateTime: {"2006-01-02 15:04:05", "2006-01-02T15:04:05"},
	TypeTimestamp: {
		"2006-01-02 15:04:05.999999",
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
		time.RFC3339,
	},
}

// Bind converts a typed parameter into a driver-ready value. Numeric,
// string, and boolean parameters pass through; temporal parameters are
// parsed here, so a malformed literal that survived ParseTyped fails now,
// before reaching the engine.
func Bind(p *TypedParameter) (any, error) {
	if p == nil {
		return nil, errs.New(errs.ErrKindInvalidInput, "nil parameter")
	}

	switch p.Type {
	case TypeInteger, TypeString, TypeBoolean, TypeFloat, TypeText:
		return p.Value, nil

	case TypeDate, TypeTime, TypeDateTime, TypeTimestamp:
		raw, ok := p.Value.(string)
		if !ok {
			return nil, errs.Newf(errs.ErrKindBadData,
				"parameter %q: temporal value is not a string", p.Name)
		}
		for _, layout := range temporalLayouts[p.Type] {
			if t, err := time.Parse(layout, raw); err == nil {
				return t, nil
			}
		}
		return nil, errs.Newf(errs.ErrKindBadData,
			"parameter %q: %q is not a valid %s literal", p.Name, raw, p.Type)
	}

	return nil, errs.Newf(errs.ErrKindBadData, "parameter %q has unknown type", p.Name)
}

// BindAll converts an ordered parameter slice into driver arguments,
// failing on the first invalid value.
func BindAll(ordered []*TypedParameter) ([]any, error) {
	args := make([]any, 0, len(ordered))
	for _, p := range ordered {
		v, err := Bind(p)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

package ticket

import (
	"regexp"
	"strings"
	"time"

	"ticket_worker/core/domain"
)

const (
	FieldPlaceholder = "N/A"
	fieldFill        = "_"
	numericFill      = "0"
	dateLayout       = "2006-01-02"
)

// SynthesizeFields computes a value for every required field. Fields with a
// default value keep it.
func SynthesizeFields(fields []*domain.CustomField, now time.Time) map[int64]string {
	values := make(map[int64]string, len(fields))
	for _, f := range fields {
		values[f.ID] = SynthesizeValue(f, now)
	}
	return values
}

// SynthesizeValue returns a value satisfying the length and pattern
// constraints of f. It never returns an empty string.
func SynthesizeValue(f *domain.CustomField, now time.Time) string {
	if f.DefaultValue != "" {
		return f.DefaultValue
	}

	switch f.Format {
	case domain.FieldFormatList:
		if n := len(f.PossibleValues); n > 0 {
			return f.PossibleValues[n-1]
		}
		return FieldPlaceholder
	case domain.FieldFormatDate:
		return now.Format(dateLayout)
	case domain.FieldFormatInt, domain.FieldFormatFloat:
		return fitLength("0", numericFill, f.MinLength, f.MaxLength)
	case domain.FieldFormatBool:
		return "0"
	case domain.FieldFormatString, domain.FieldFormatText, domain.FieldFormatLink:
		return stringValue(f)
	default:
		return fitLength(FieldPlaceholder, fieldFill, f.MinLength, f.MaxLength)
	}
}

func stringValue(f *domain.CustomField) string {
	value := fitLength(FieldPlaceholder, fieldFill, f.MinLength, f.MaxLength)
	if f.Regexp == "" {
		return value
	}

	re, err := regexp.Compile(f.Regexp)
	if err != nil || re.MatchString(value) {
		return value
	}
	if len(f.PossibleValues) > 0 && f.PossibleValues[0] != "" {
		return f.PossibleValues[0]
	}
	return value
}

// fitLength left-pads value with fill up to min and truncates it to max.
// Zero bounds are ignored. Lengths count runes.
func fitLength(value, fill string, min, max int) string {
	if n := len([]rune(value)); min > 0 && n < min {
		value = strings.Repeat(fill, min-n) + value
	}
	if r := []rune(value); max > 0 && len(r) > max {
		value = string(r[:max])
	}
	return value
}

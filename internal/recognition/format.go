package recognition

import (
	"fmt"
	"strconv"

	"github.com/adverant/nexus/meterread-worker/internal/errors"
)

// DisplayFormat describes how many digits a meter shows before and after its
// fixed decimal separator.
type DisplayFormat struct {
	Whole    int
	Fraction int
}

// DefaultFormat is the 7+1 layout of the supported LCD meters ("0007783.2").
var DefaultFormat = DisplayFormat{Whole: 7, Fraction: 1}

// Digits is the total number of digit cells.
func (f DisplayFormat) Digits() int { return f.Whole + f.Fraction }

// Parse turns an exact-length digit string into a reading by inserting the
// decimal separator. Any other length is rejected.
func (f DisplayFormat) Parse(strategy, digits string) (float64, error) {
	if len(digits) != f.Digits() {
		return 0, errors.NewDigitCountError(strategy, digits, f.Digits())
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-digit %q in %q", c, digits)
		}
	}

	s := digits[:f.Whole]
	if f.Fraction > 0 {
		s += "." + digits[f.Whole:]
	}
	return strconv.ParseFloat(s, 64)
}

type digitRun struct {
	digits     string
	confidence float64
}

// runs groups consecutive digit symbols on one line. Separators ('.' and ',')
// may sit inside a run, anything else ends it.
func runs(symbols []Symbol) []digitRun {
	var out []digitRun
	var digits []byte
	var confSum float64
	line := -1

	flush := func() {
		if len(digits) > 0 {
			out = append(out, digitRun{digits: string(digits), confidence: confSum / float64(len(digits))})
		}
		digits = digits[:0]
		confSum = 0
	}

	for _, s := range symbols {
		if s.Line != line {
			flush()
			line = s.Line
		}
		for _, c := range []byte(s.Text) {
			switch {
			case c >= '0' && c <= '9':
				digits = append(digits, c)
				confSum += s.Confidence
			case c == '.' || c == ',' || c == ' ':
			default:
				flush()
			}
		}
	}
	flush()
	return out
}

// ReadSymbols picks the digit run matching the display format and converts it.
// Among several matching runs the most confident wins, the earliest on ties.
// The confidence is the mean symbol confidence over the chosen run.
func (f DisplayFormat) ReadSymbols(strategy string, symbols []Symbol) (Reading, error) {
	candidates := runs(symbols)
	if len(candidates) == 0 {
		return Reading{}, errors.NewNoDigitsError(strategy)
	}

	best := -1
	longest := 0
	for i, c := range candidates {
		if len(c.digits) > len(candidates[longest].digits) {
			longest = i
		}
		if len(c.digits) != f.Digits() {
			continue
		}
		if best < 0 || c.confidence > candidates[best].confidence {
			best = i
		}
	}
	if best < 0 {
		return Reading{}, errors.NewDigitCountError(strategy, candidates[longest].digits, f.Digits())
	}

	c := candidates[best]
	value, err := f.Parse(strategy, c.digits)
	if err != nil {
		return Reading{}, err
	}
	return newReading(strategy, value, c.confidence, c.digits)
}

// newReading clamps confidence to (0,100]. A zero confidence is a failure,
// so a successful reading is never indistinguishable from a failed one.
func newReading(strategy string, value, confidence float64, digits string) (Reading, error) {
	if confidence > 100 {
		confidence = 100
	}
	if confidence <= 0 {
		return Reading{}, errors.NewLowConfidenceError(strategy, confidence)
	}
	return Reading{Value: value, Confidence: confidence, Digits: digits}, nil
}

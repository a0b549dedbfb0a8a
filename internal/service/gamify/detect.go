package gamify

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Keywords that mark an observation as exercise activity.
var Keywords = []string{"kick", "punch", "jump", "rep", "exercise", "workout", "squat", "push-up", "sit-up"}

// HPPerRep is the HP restored per detected repetition.
const HPPerRep = 2

// MaxReps bounds a parsed rep count so the score arithmetic cannot overflow.
const MaxReps = math.MaxInt32

var digitRun = regexp.MustCompile(`[0-9]+`)

// Detection is the result of matching one observation text.
type Detection struct {
	Keyword string
	Reps    int64
}

// HPDelta is the HP change this detection earns before clamping.
func (d Detection) HPDelta() int64 {
	return d.Reps * HPPerRep
}

// Message renders the coach message for this detection.
func (d Detection) Message() string {
	return fmt.Sprintf("Great work! %d more reps detected. Keep pushing! 💪", d.Reps)
}

// variants expands hyphenated keywords to the spellings people actually
// type: "push-up" also matches "pushup" and "push up".
var variants = func() map[string][]string {
	m := make(map[string][]string, len(Keywords))
	for _, kw := range Keywords {
		forms := []string{kw}
		if strings.Contains(kw, "-") {
			forms = append(forms, strings.ReplaceAll(kw, "-", ""), strings.ReplaceAll(kw, "-", " "))
		}
		m[kw] = forms
	}
	return m
}()

// Detect reports whether text describes exercise activity and, if so, how
// many reps it claims. Matching is case-insensitive substring containment.
// The rep count is the first run of decimal digits anywhere in the text,
// defaulting to 1.
func Detect(text string) (Detection, bool) {
	lower := strings.ToLower(text)
	for _, kw := range Keywords {
		for _, form := range variants[kw] {
			if strings.Contains(lower, form) {
				return Detection{Keyword: kw, Reps: parseReps(lower)}, true
			}
		}
	}
	return Detection{}, false
}

func parseReps(text string) int64 {
	run := digitRun.FindString(text)
	if run == "" {
		return 1
	}
	n, err := strconv.ParseInt(run, 10, 64)
	if err != nil || n > MaxReps {
		// Only range errors are possible for a pure digit run.
		return MaxReps
	}
	return n
}

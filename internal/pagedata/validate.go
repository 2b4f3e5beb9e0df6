package pagedata

import (
	"errors"
	"fmt"
)

// ValidateInput carries the fields spec.md §4.9 validates and, where
// absent or inconsistent, normalizes.
type ValidateInput struct {
	StartTimeS               int64
	EndTimeS                 int64
	UpdateEveryS             int64 // 0 means "absent": derived for one entry, rejected for more
	Length                   int
	Type                     PageType
	Entries                  int
	Now                      int64 // 0 means "no bound supplied"
	OverwriteZeroUpdateEvery bool  // hint: prefer reducing EndTimeS over UpdateEveryS
	HaveReadError            bool
}

// ErrInvalidPage is returned by Validate for any condition spec.md §4.9
// lists as a rejection.
var ErrInvalidPage = errors.New("pagedata: invalid page")

// Validate applies spec.md §4.9's rules and returns the normalized
// (StartTimeS, EndTimeS, UpdateEveryS, Entries), or an error if the page
// must be rejected outright.
func Validate(in ValidateInput) (start, end, updateEvery int64, entries int, err error) {
	if in.HaveReadError {
		return 0, 0, 0, 0, errorf("read error reported")
	}
	switch in.Type {
	case PageTypeArray32, PageTypeArrayTier1, PageTypeGorilla32:
	default:
		return 0, 0, 0, 0, errorf("unknown page type %v", in.Type)
	}
	maxLen := MaxPageBytes(in.Type)
	if in.Length == 0 || in.Length > maxLen {
		return 0, 0, 0, 0, errorf("length %d out of bounds (0,%d]", in.Length, maxLen)
	}
	if in.StartTimeS > in.EndTimeS || in.StartTimeS <= 0 || in.EndTimeS <= 0 {
		return 0, 0, 0, 0, errorf("invalid time range [%d,%d]", in.StartTimeS, in.EndTimeS)
	}
	if in.Now != 0 && in.EndTimeS > in.Now {
		return 0, 0, 0, 0, errorf("end time %d is in the future (now=%d)", in.EndTimeS, in.Now)
	}
	if in.StartTimeS == in.EndTimeS && in.Entries > 1 {
		return 0, 0, 0, 0, errorf("single-instant page cannot have %d entries", in.Entries)
	}
	if in.UpdateEveryS == 0 && in.Entries > 1 {
		return 0, 0, 0, 0, errorf("update_every is zero but entries=%d", in.Entries)
	}

	start, end, updateEvery, entries = in.StartTimeS, in.EndTimeS, in.UpdateEveryS, in.Entries

	if updateEvery == 0 {
		// Derive from entries and time span (entries==1 case already
		// excluded above from needing a nonzero update_every).
		if entries > 1 {
			updateEvery = (end - start) / int64(entries-1)
		}
		if updateEvery == 0 {
			updateEvery = 1
		}
		return start, end, updateEvery, entries, nil
	}

	// entries ≈ (end-start)/update_every + 1; re-derive and reconcile any
	// off-by-one or drift using the overwrite hint.
	impliedEntries := int((end-start)/updateEvery) + 1
	if impliedEntries != entries && entries > 0 {
		if in.OverwriteZeroUpdateEvery {
			// Prefer reducing end when the implied end-time decreases.
			impliedEnd := start + updateEvery*int64(entries-1)
			if impliedEnd < end {
				end = impliedEnd
			} else {
				updateEvery = (end - start) / int64(maxInt(entries-1, 1))
				if updateEvery == 0 {
					updateEvery = 1
				}
			}
		}
	}

	return start, end, updateEvery, entries, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func errorf(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

type validationError struct{ msg string }

func (e *validationError) Error() string { return "pagedata: " + e.msg }
func (e *validationError) Unwrap() error { return ErrInvalidPage }

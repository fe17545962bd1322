package utils

import (
	"time"

	"github.com/Laisky/errors/v2"
)

const dateLayout = "2006-01-02"

// NormalizeDateRange turns an inclusive YYYY-MM-DD pair into a half-open
// [start, end) Unix second window anchored at UTC midnight. maxDays > 0
// caps the inclusive day count.
func NormalizeDateRange(fromStr, toStr string, maxDays int) (int64, int64, error) {
	from, err := parseUTCDay(fromStr)
	if err != nil {
		return 0, 0, errors.Wrap(err, "from_date")
	}
	to, err := parseUTCDay(toStr)
	if err != nil {
		return 0, 0, errors.Wrap(err, "to_date")
	}
	if to.Before(from) {
		return 0, 0, errors.New("from_date must not be after to_date")
	}

	days := int(to.Sub(from).Hours()/24) + 1
	if maxDays > 0 && days > maxDays {
		return 0, 0, errors.Errorf("date range spans %d days, maximum is %d", days, maxDays)
	}
	return from.Unix(), to.Add(24 * time.Hour).Unix(), nil
}

func parseUTCDay(s string) (time.Time, error) {
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "expected YYYY-MM-DD")
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC), nil
}

package digest

import (
	"fmt"
	"time"

	"github.com/openparl/commons-tracker/internal/civiltime"
)

// WeekID returns the ISO-8601 week identifier ("YYYY-WW") for the
// instant as perceived in the civil timezone. Week 1 is the week
// containing the first Thursday of the year, so a late-December date
// can belong to week 1 of the next year and an early-January date to
// the last week of the previous one.
func WeekID(utc time.Time, rules civiltime.Rules) string {
	civil := rules.ToCivil(utc)
	year, week := civil.ISOWeek()
	return fmt.Sprintf("%04d-%02d", year, week)
}

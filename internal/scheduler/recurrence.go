// Package scheduler implements user-defined recurring tasks: the recurrence
// calculator, the task CRUD service, and the runner that claims due tasks
// and drives them through the streaming pipeline.
package scheduler

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/codeforge-ai/backend/internal/apperrors"
	"github.com/codeforge-ai/backend/internal/storage/pg"
)

// ParseScheduledTime parses "H:M" or "H:M:S".
func ParseScheduledTime(value string) (hour, minute, second int, err error) {
	parts := strings.Split(value, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, 0, 0, apperrors.NewSchedulerError(fmt.Sprintf("invalid scheduled time %q", value))
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, convErr := strconv.Atoi(p)
		if convErr != nil {
			return 0, 0, 0, apperrors.NewSchedulerError(fmt.Sprintf("invalid scheduled time %q", value))
		}
		nums[i] = n
	}
	hour, minute = nums[0], nums[1]
	if len(nums) == 3 {
		second = nums[2]
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 || second < 0 || second > 59 {
		return 0, 0, 0, apperrors.NewSchedulerError(fmt.Sprintf("invalid scheduled time %q", value))
	}
	return hour, minute, second, nil
}

// ValidateRecurrence checks the rule's field constraints: WEEKLY needs a
// weekday 0..6 (Monday..Sunday), MONTHLY a day of month 1..31.
func ValidateRecurrence(recurrence pg.RecurrenceType, scheduledTime string, scheduledDay sql.NullInt32) error {
	if _, _, _, err := ParseScheduledTime(scheduledTime); err != nil {
		return err
	}
	switch recurrence {
	case pg.RecurrenceOnce, pg.RecurrenceDaily:
		return nil
	case pg.RecurrenceWeekly:
		if !scheduledDay.Valid || scheduledDay.Int32 < 0 || scheduledDay.Int32 > 6 {
			return apperrors.NewSchedulerError("weekly tasks require a weekday between 0 and 6")
		}
		return nil
	case pg.RecurrenceMonthly:
		if !scheduledDay.Valid || scheduledDay.Int32 < 1 || scheduledDay.Int32 > 31 {
			return apperrors.NewSchedulerError("monthly tasks require a day of month between 1 and 31")
		}
		return nil
	default:
		return apperrors.NewSchedulerError(fmt.Sprintf("unknown recurrence type %q", recurrence))
	}
}

// pyWeekday maps Go's Sunday-based weekday to Monday=0..Sunday=6, the
// numbering scheduled_day uses.
func pyWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// NextFire computes the next fire time strictly after from, in UTC. The
// second return is false when the rule has no further fire (ONCE rules with
// allowOnce false). allowOnce is true when scheduling the first fire of a
// task and false when advancing past an execution.
func NextFire(recurrence pg.RecurrenceType, scheduledTime string, scheduledDay sql.NullInt32,
	from time.Time, allowOnce bool) (time.Time, bool, error) {

	hour, minute, second, err := ParseScheduledTime(scheduledTime)
	if err != nil {
		return time.Time{}, false, err
	}
	from = from.UTC()
	today := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, second, 0, time.UTC)

	switch recurrence {
	case pg.RecurrenceOnce:
		if !allowOnce {
			return time.Time{}, false, nil
		}
		if today.After(from) {
			return today, true, nil
		}
		return today.AddDate(0, 0, 1), true, nil

	case pg.RecurrenceDaily:
		if today.After(from) {
			return today, true, nil
		}
		return today.AddDate(0, 0, 1), true, nil

	case pg.RecurrenceWeekly:
		if err := ValidateRecurrence(recurrence, scheduledTime, scheduledDay); err != nil {
			return time.Time{}, false, err
		}
		daysAhead := (int(scheduledDay.Int32) - pyWeekday(from) + 7) % 7
		if daysAhead == 0 && !today.After(from) {
			daysAhead = 7
		}
		return today.AddDate(0, 0, daysAhead), true, nil

	case pg.RecurrenceMonthly:
		if err := ValidateRecurrence(recurrence, scheduledTime, scheduledDay); err != nil {
			return time.Time{}, false, err
		}
		year, month := from.Year(), from.Month()
		day := min(int(scheduledDay.Int32), daysInMonth(year, month))
		candidate := time.Date(year, month, day, hour, minute, second, 0, time.UTC)
		if candidate.After(from) {
			return candidate, true, nil
		}
		month++
		if month > time.December {
			month = time.January
			year++
		}
		day = min(int(scheduledDay.Int32), daysInMonth(year, month))
		return time.Date(year, month, day, hour, minute, second, 0, time.UTC), true, nil

	default:
		return time.Time{}, false, apperrors.NewSchedulerError(fmt.Sprintf("unknown recurrence type %q", recurrence))
	}
}

var weekdayNames = [7]string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// ordinal renders 1 -> "1st", 22 -> "22nd", 13 -> "13th".
func ordinal(n int) string {
	suffix := "th"
	if n%100 < 11 || n%100 > 13 {
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return strconv.Itoa(n) + suffix
}

// DescribeRecurrence renders a rule for display, e.g. "Weekly on Wednesday
// at 08:00".
func DescribeRecurrence(recurrence pg.RecurrenceType, scheduledTime string, scheduledDay sql.NullInt32) string {
	hour, minute, _, err := ParseScheduledTime(scheduledTime)
	if err != nil {
		return string(recurrence)
	}
	at := fmt.Sprintf("%02d:%02d", hour, minute)

	switch recurrence {
	case pg.RecurrenceOnce:
		return "Once at " + at
	case pg.RecurrenceDaily:
		return "Daily at " + at
	case pg.RecurrenceWeekly:
		if scheduledDay.Valid && scheduledDay.Int32 >= 0 && scheduledDay.Int32 <= 6 {
			return "Weekly on " + weekdayNames[scheduledDay.Int32] + " at " + at
		}
		return "Weekly at " + at
	case pg.RecurrenceMonthly:
		if scheduledDay.Valid {
			return "Monthly on the " + ordinal(int(scheduledDay.Int32)) + " at " + at
		}
		return "Monthly at " + at
	default:
		return string(recurrence)
	}
}

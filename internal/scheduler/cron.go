package scheduler

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"
)

// fieldParser parses the seconds-first (6-field) cron dialect; every
// expression this package hands to it has already been normalized to 6
// fields by normalizeCronExpr.
var fieldParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// normalizeCronExpr implements a deliberately-preserved 5-vs-6-field
// behavior: count whitespace-separated fields and prepend a literal "0 "
// to a 5-field (standard cron) expression so it lines up with the 6-field
// (seconds-first) parser every job in this scheduler is parsed with.
// Deliberately not delegated to robfig/cron/v3's cron.SecondOptional parser
// flag, which would absorb a missing seconds field invisibly; the prepend
// is its own observable step, logged at debug level rather than silent.
func normalizeCronExpr(expr string, logger *slog.Logger) string {
	fields := strings.Fields(expr)
	if len(fields) == 5 {
		if logger != nil {
			logger.Debug("prepending seconds field to 5-field cron expression", "expr", expr)
		}
		return "0 " + expr
	}
	return expr
}

// parseCronExpr normalizes then parses expr, returning a robfig/cron/v3
// Schedule.
func parseCronExpr(expr string, logger *slog.Logger) (cron.Schedule, error) {
	normalized := normalizeCronExpr(expr, logger)
	sched, err := fieldParser.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q (normalized %q): %w", expr, normalized, err)
	}
	return sched, nil
}

// Package strategy turns market data and recommendations into positions and
// hands them to the provider for simulation.
package strategy

import (
	"context"
	"time"

	"tw_autotrade/services/frame"
	"tw_autotrade/services/provider"
)

// Taiwan brokerage fee and securities transaction tax.
const (
	DefaultFeeRatio = 1.425 / 1000
	DefaultTaxRatio = 3.0 / 1000
)

// Strategy is one runnable trading task.
type Strategy interface {
	Name() string
	Run(ctx context.Context) (*Result, error)
}

// Result is the outcome of one strategy run.
type Result struct {
	Task     string
	Position *frame.Bool
	Report   *provider.Report
	// Targets are the symbols to hold on the next trading day.
	Targets []string
	AsOf    time.Time
}

// mondayIndex maps a date to 0 (Monday) .. 6 (Sunday).
func mondayIndex(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// nextWeekday returns the first Monday-to-Friday date after t.
func nextWeekday(t time.Time) time.Time {
	d := frame.Day(t).AddDate(0, 0, 1)
	for mondayIndex(d) > 4 {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

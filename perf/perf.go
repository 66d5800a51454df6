// Package perf registers the ringline metric views and exports views and spans for
// development.
package perf

import (
	"io"
	"time"

	"github.com/edaniels/golog"
	"go.opencensus.io/stats/view"
)

// An Exporter collects metrics and spans and reports them somewhere.
type Exporter interface {
	// Start registers the views and begins exporting.
	Start() error
	// Stop flushes pending data and stops exporting.
	Stop()
}

// DevelopmentExporterOptions configure a development exporter.
type DevelopmentExporterOptions struct {
	// Views are registered on Start and unregistered on Stop.
	Views []*view.View

	// ReportingInterval is the time between two metric reports.
	ReportingInterval time.Duration

	MetricsDisabled bool
	TracesDisabled  bool

	// Logger receives metric reports. Defaults to the global logger.
	Logger golog.Logger
	// Output receives span timing tables. Defaults to stdout.
	Output io.Writer
}

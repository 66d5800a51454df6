package perf

// based on "go.opencensus.io/examples/exporter"

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"go.opencensus.io/metric/metricdata"
	"go.opencensus.io/metric/metricexport"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/trace"

	"go.ringline.dev/callkit"
)

// developmentExporter logs metrics and prints a timing table for every finished root span.
type developmentExporter struct {
	options DevelopmentExporterOptions
	logger  golog.Logger
	output  io.Writer

	mu       sync.Mutex
	children map[string][]spanInfo
	ir       *metricexport.IntervalReader

	// For testing. Keeps children around so a test can walk them again.
	deleteDisabled bool
}

type spanInfo struct {
	id   string
	data *trace.SpanData
}

var reZero = regexp.MustCompile(`^0+$`)

// NewDevelopmentExporter returns an exporter logging to the console.
func NewDevelopmentExporter(options DevelopmentExporterOptions) Exporter {
	if options.ReportingInterval <= 0 {
		options.ReportingInterval = 10 * time.Second
	}
	logger := options.Logger
	if logger == nil {
		logger = callkit.Logger
	}
	var output io.Writer = os.Stdout
	if options.Output != nil {
		output = options.Output
	}
	return &developmentExporter{
		options:  options,
		logger:   logger,
		output:   output,
		children: map[string][]spanInfo{},
	}
}

// Start registers the views and starts exporting.
func (e *developmentExporter) Start() error {
	if err := view.Register(e.options.Views...); err != nil {
		return err
	}
	if !e.options.TracesDisabled {
		trace.RegisterExporter(e)
		trace.ApplyConfig(trace.Config{DefaultSampler: trace.AlwaysSample()})
	}
	if e.options.MetricsDisabled {
		return nil
	}
	ir, err := metricexport.NewIntervalReader(metricexport.NewReader(), e)
	if err != nil {
		return err
	}
	ir.ReportingInterval = e.options.ReportingInterval
	e.ir = ir
	return ir.Start()
}

// Stop flushes metrics and stops exporting.
func (e *developmentExporter) Stop() {
	if !e.options.TracesDisabled {
		trace.UnregisterExporter(e)
	}
	if e.ir != nil {
		e.ir.Stop()
	}
	view.Unregister(e.options.Views...)
}

// ExportMetrics logs one line per metric with data.
func (e *developmentExporter) ExportMetrics(ctx context.Context, metrics []*metricdata.Metric) error {
	for _, metric := range metrics {
		for _, ts := range metric.TimeSeries {
			if len(ts.Points) == 0 {
				continue
			}
			fields := []interface{}{"value", pointValue(ts.Points[len(ts.Points)-1])}
			for idx, key := range metric.Descriptor.LabelKeys {
				if idx < len(ts.LabelValues) && ts.LabelValues[idx].Present {
					fields = append(fields, key.Key, ts.LabelValues[idx].Value)
				}
			}
			e.logger.Infow(metric.Descriptor.Name, fields...)
		}
	}
	return nil
}

func pointValue(point metricdata.Point) interface{} {
	if dist, ok := point.Value.(*metricdata.Distribution); ok {
		mean := 0.0
		if dist.Count > 0 {
			mean = dist.Sum / float64(dist.Count)
		}
		return map[string]interface{}{"count": dist.Count, "sum": dist.Sum, "mean": mean}
	}
	return point.Value
}

// ExportSpan holds child spans until their root ends and then prints the tree.
func (e *developmentExporter) ExportSpan(sd *trace.SpanData) {
	e.mu.Lock()
	defer e.mu.Unlock()

	spanID := hex.EncodeToString(sd.SpanID[:])
	parentSpanID := hex.EncodeToString(sd.ParentSpanID[:])

	if !reZero.MatchString(parentSpanID) {
		e.children[parentSpanID] = append(e.children[parentSpanID], spanInfo{spanID, sd})
		return
	}

	wd := walkData{}
	e.recurse(&spanInfo{spanID, sd}, nil, &wd)
	wd.output(e.output)
}

func (e *developmentExporter) recurse(curr *spanInfo, callerPath []string, wd *walkData) {
	path := wd.get(callerPath, curr.data.Name)
	path.count++
	path.timeNanos += curr.data.EndTime.UnixNano() - curr.data.StartTime.UnixNano()

	children := e.children[curr.id]
	for idx := range children {
		e.recurse(&children[idx], path.spanChain, wd)
	}
	if !e.deleteDisabled {
		delete(e.children, curr.id)
	}
}

// walkData accumulates the calls below a root span, grouped by call chain.
type walkData struct {
	paths []spanPath
}

// get returns the accumulator for callee called through the caller chain.
func (wd *walkData) get(caller []string, callee string) *spanPath {
	for idx, path := range wd.paths {
		if len(caller)+1 == len(path.spanChain) &&
			slices.Equal(caller, path.spanChain[:len(caller)]) &&
			path.spanChain[len(caller)] == callee {
			return &wd.paths[idx]
		}
	}
	chain := make([]string, len(caller)+1)
	copy(chain, caller)
	chain[len(caller)] = callee
	wd.paths = append(wd.paths, spanPath{spanChain: chain})
	return &wd.paths[len(wd.paths)-1]
}

// spanPath is one call chain from the root span. If A calls B calls C the chain of C is
// [A B C].
type spanPath struct {
	spanChain []string
	count     int64
	timeNanos int64
}

func (sp *spanPath) funcName() string {
	return sp.spanChain[len(sp.spanChain)-1]
}

func (sp *spanPath) averageTime() time.Duration {
	return time.Duration(sp.timeNanos / sp.count)
}

func (wd *walkData) output(writer io.Writer) {
	width := 0
	for _, path := range wd.paths {
		width = max(width, 2*len(path.spanChain)+len(path.funcName())+1)
	}
	for _, path := range wd.paths {
		name := fmt.Sprintf("%s%s:", strings.Repeat("  ", len(path.spanChain)-1), path.funcName())
		_, err := fmt.Fprintf(writer, "%-*s\tCalls: %5d\tTotal time: %-13v\tAverage time: %v\n",
			width, name, path.count, time.Duration(path.timeNanos), path.averageTime())
		callkit.UncheckedError(err)
	}
}

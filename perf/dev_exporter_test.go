package perf

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.viam.com/test"

	"go.ringline.dev/callkit/testutils"
)

func TestWalkData(t *testing.T) {
	wd := &walkData{}
	path := wd.get(nil, "first")
	test.That(t, path.spanChain, test.ShouldResemble, []string{"first"})
	test.That(t, wd.paths, test.ShouldHaveLength, 1)

	path = wd.get(nil, "first")
	test.That(t, path.spanChain, test.ShouldResemble, []string{"first"})
	test.That(t, wd.paths, test.ShouldHaveLength, 1)

	path = wd.get([]string{"first"}, "second")
	test.That(t, path.spanChain, test.ShouldResemble, []string{"first", "second"})
	test.That(t, wd.paths, test.ShouldHaveLength, 2)

	path = wd.get([]string{"first"}, "second")
	test.That(t, path.spanChain, test.ShouldResemble, []string{"first", "second"})
	test.That(t, wd.paths, test.ShouldHaveLength, 2)
}

func TestTimingReport(t *testing.T) {
	output := bytes.NewBuffer(nil)
	exporter := NewDevelopmentExporter(DevelopmentExporterOptions{
		MetricsDisabled: true,
		Output:          output,
	}).(*developmentExporter)
	exporter.deleteDisabled = true
	test.That(t, exporter.Start(), test.ShouldBeNil)
	defer exporter.Stop()

	// PlaceCall calls CreateCall which calls an index lookup, twice. PlaceCall also looks
	// the lookup up directly.
	ctx := context.Background()
	ctxA, spanA := trace.StartSpan(ctx, "PlaceCall")
	for i := 0; i < 2; i++ {
		ctxAB, spanAB := trace.StartSpan(ctxA, "CreateCall")
		_, spanABC := trace.StartSpan(ctxAB, "FindActiveCall")
		spanABC.End()
		spanAB.End()
	}
	_, spanAC := trace.StartSpan(ctxA, "FindActiveCall")
	spanAC.End()
	spanA.End()

	test.That(t, output.String(), test.ShouldContainSubstring, "PlaceCall:")
	test.That(t, output.String(), test.ShouldContainSubstring, "    FindActiveCall:")

	wd := walkData{}
	exporter.recurse(&spanInfo{spanA.SpanContext().SpanID.String(), &trace.SpanData{Name: "PlaceCall"}}, nil, &wd)

	test.That(t, wd.paths, test.ShouldHaveLength, 4)
	test.That(t, wd.paths[0].spanChain, test.ShouldResemble, []string{"PlaceCall"})
	test.That(t, wd.paths[0].count, test.ShouldEqual, 1)
	test.That(t, wd.paths[1].spanChain, test.ShouldResemble, []string{"PlaceCall", "CreateCall"})
	test.That(t, wd.paths[1].count, test.ShouldEqual, 2)
	test.That(t, wd.paths[2].spanChain, test.ShouldResemble, []string{"PlaceCall", "CreateCall", "FindActiveCall"})
	test.That(t, wd.paths[2].count, test.ShouldEqual, 2)
	test.That(t, wd.paths[3].spanChain, test.ShouldResemble, []string{"PlaceCall", "FindActiveCall"})
	test.That(t, wd.paths[3].count, test.ShouldEqual, 1)
}

func TestMetricsReport(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	placed := stats.Int64("perf_test/placed", "calls placed", stats.UnitDimensionless)
	exporter := NewDevelopmentExporter(DevelopmentExporterOptions{
		Views: []*view.View{{
			Name:        "perf_test/placed",
			Measure:     placed,
			Aggregation: view.Count(),
		}},
		ReportingInterval: 20 * time.Millisecond,
		TracesDisabled:    true,
		Logger:            golog.Logger(zap.New(core).Sugar()),
	})
	test.That(t, exporter.Start(), test.ShouldBeNil)
	defer exporter.Stop()

	stats.Record(context.Background(), placed.M(1), placed.M(1))
	testutils.WaitForCondition(t, func() bool {
		for _, entry := range logs.FilterMessage("perf_test/placed").All() {
			if entry.ContextMap()["value"] == int64(2) {
				return true
			}
		}
		return false
	}, "the view to be reported")
}

package callkit

import "go.uber.org/goleak"

// FindGoroutineLeaks finds any goroutine leaks after a program is done running. This
// should be used at the end of a main test run or a top-level process run.
func FindGoroutineLeaks() error {
	return goleak.Find(
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
		// mongo topology monitors stop asynchronously after Disconnect
		goleak.IgnoreTopFunction("go.mongodb.org/mongo-driver/x/mongo/driver/topology.(*rttMonitor).runHellos"),
		goleak.IgnoreTopFunction("go.mongodb.org/mongo-driver/x/mongo/driver/topology.(*Server).update"),
		// sqlite connection pool opener started by database/sql
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		// pion's DTLS/SRTP read loops can outlive Close by a few milliseconds
		goleak.IgnoreTopFunction("github.com/pion/transport/v3/deadline.(*Deadline).handleDeadline"),

		// net/http.(*Transport).CloseIdleConnections() doesn't interrupt in-progress connection attempts
		goleak.IgnoreTopFunction("net.(*netFD).connect.func2"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

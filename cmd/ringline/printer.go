package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"

	"go.ringline.dev/callkit/call"
	"go.ringline.dev/callkit/history"
	"go.ringline.dev/callkit/media"
	"go.ringline.dev/callkit/signaling"
)

// printer writes client events for a person watching the terminal.
type printer struct {
	mu  sync.Mutex
	out io.Writer

	ringing *color.Color
	good    *color.Color
	ended   *color.Color
	bad     *color.Color
	faint   *color.Color
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:     out,
		ringing: color.New(color.FgYellow, color.Bold),
		good:    color.New(color.FgGreen),
		ended:   color.New(color.FgCyan),
		bad:     color.New(color.FgRed),
		faint:   color.New(color.Faint),
	}
}

func (p *printer) printf(c *color.Color, format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	//nolint:errcheck
	c.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) incoming(incoming call.IncomingCall) {
	p.printf(p.ringing, "%s call from %s (%s)", incoming.Type, incoming.Caller.Name(), incoming.CallID)
}

func (p *printer) placed(callID, calleeID string) {
	p.printf(p.faint, "calling %s (%s)", calleeID, callID)
}

func (p *printer) colorFor(state call.State) *color.Color {
	switch state {
	case call.StateRinging:
		return p.ringing
	case call.StateConnecting, call.StateConnected:
		return p.good
	case call.StateEnded:
		return p.ended
	default:
		return p.bad
	}
}

func (p *printer) status(change call.StatusChange) {
	c := p.colorFor(change.State)
	if change.State == call.StateEnded && change.Err != nil {
		c = p.bad
	}
	if change.Reason == "" {
		p.printf(c, "%s: %s", change.CallID, change.State)
		return
	}
	p.printf(c, "%s: %s (%s)", change.CallID, change.State, change.Reason)
}

func (p *printer) remoteStream(callID string, stream *media.RemoteStream) {
	p.printf(p.good, "%s: receiving stream %s", callID, stream.ID())
}

func (p *printer) active(active *call.ActiveCall) {
	if active == nil {
		p.printf(p.faint, "no active call")
		return
	}
	p.printf(p.colorFor(active.State), "%s %s call with %s, %s since %s",
		active.CallID, active.Type, active.PeerID, active.State, active.StartedAt.Format(time.Kitchen))
}

func (p *printer) history(entries []history.Entry) {
	if len(entries) == 0 {
		p.printf(p.faint, "no calls yet")
		return
	}
	for _, entry := range entries {
		line := fmt.Sprintf("%s %s %s %s", entry.StartedAt.Format(time.DateTime), entry.Side, entry.PeerID, entry.Status)
		if d := entry.Duration(); d > 0 {
			line += " " + d.Round(time.Second).String()
		}
		if entry.Reason != "" {
			line += " (" + entry.Reason + ")"
		}
		p.printf(p.colorFor(stateOf(entry)), "%s", line)
	}
}

func stateOf(entry history.Entry) call.State {
	switch entry.Status {
	case signaling.StatusRejected:
		return call.StateRejected
	case signaling.StatusMissed:
		return call.StateMissed
	default:
		return call.StateEnded
	}
}

func (p *printer) usage(text string) {
	p.printf(p.faint, "%s", text)
}

func (p *printer) failure(command string, err error) {
	p.printf(p.bad, "%s failed: %v", command, err)
}

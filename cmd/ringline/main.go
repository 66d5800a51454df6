// Package main runs one user's ringline client. Calls are placed and answered by typing
// commands on stdin; events are printed as they happen.
package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.ringline.dev/callkit"
	"go.ringline.dev/callkit/call"
	"go.ringline.dev/callkit/config"
	"go.ringline.dev/callkit/perf"
	"go.ringline.dev/callkit/signaling"
)

var logger = golog.Global().Named("ringline")

func main() {
	callkit.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	ConfigPath string
	Call       string
	Video      bool
	AutoAnswer bool
}

func parseArgs(args []string) (Arguments, error) {
	var parsed Arguments
	name := "ringline"
	if len(args) > 0 {
		name, args = args[0], args[1:]
	}
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	flags.StringVar(&parsed.ConfigPath, "config", "", "configuration file; searched for upwards from the working directory if empty")
	flags.StringVar(&parsed.Call, "call", "", "user to call once started")
	flags.BoolVar(&parsed.Video, "video", false, "make the -call a video call")
	flags.BoolVar(&parsed.AutoAnswer, "auto_answer", false, "accept every incoming call")
	if err := flags.Parse(args); err != nil {
		return Arguments{}, err
	}
	if flags.NArg() != 0 {
		return Arguments{}, errors.Errorf("unexpected arguments %q", flags.Args())
	}
	return parsed, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Find()
	}
	return config.Read(path)
}

func mainWithArgs(ctx context.Context, args []string, _ golog.Logger) (err error) {
	argsParsed, err := parseArgs(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(argsParsed.ConfigPath)
	if err != nil {
		return err
	}

	logger, level, err := callkit.NewLeveledLogger("ringline", cfg.Debug)
	if err != nil {
		return err
	}
	callkit.Debug = cfg.Debug
	callkit.Logger = logger

	deps, err := openDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, errors.Wrap(deps.Close(), "failed to close dependencies"))
	}()

	workers := callkit.NewStoppableWorkers(ctx)
	defer workers.Stop()
	callkit.UncheckedError(workers.Add(func(ctx context.Context) {
		if err := config.Watch(ctx, cfg.Path(), logger, func(next *config.Config) {
			callkit.SetLoggerDebug(level, next.Debug)
			logger.Infow("configuration reloaded", "debug", next.Debug)
		}); err != nil {
			logger.Warnw("not watching configuration", "error", err)
		}
	}))
	if deps.presence != nil {
		callkit.UncheckedError(workers.Add(func(ctx context.Context) {
			if err := deps.presence.Heartbeat(ctx, cfg.UserID); err != nil {
				logger.Warnw("failed to mark user offline", "error", err)
			}
		}))
	}

	if cfg.Metrics.Enabled {
		exporter := perf.NewDevelopmentExporter(perf.DevelopmentExporterOptions{
			Views:             call.Views,
			ReportingInterval: cfg.Metrics.ReportInterval,
			Logger:            logger.Named("metrics"),
		})
		if err := exporter.Start(); err != nil {
			return err
		}
		defer exporter.Stop()
	}

	out := newPrinter(os.Stdout)
	var client *call.Client
	handlers := call.Handlers{
		OnIncomingCall: func(incoming call.IncomingCall) {
			out.incoming(incoming)
			if argsParsed.AutoAnswer {
				if err := client.RespondToCall(ctx, incoming.CallID, true); err != nil {
					out.failure("accept", err)
				}
			}
		},
		OnCallStatusChanged: out.status,
		OnRemoteStreamReady: out.remoteStream,
	}

	client, err = call.NewClient(call.Options{
		UserID:             cfg.UserID,
		Directory:          deps.store,
		Channel:            deps.store,
		Users:              deps.users,
		Source:             deps.source,
		Peers:              deps.peers,
		Archive:            deps.archive(),
		Handlers:           handlers,
		RingTimeout:        cfg.Call.RingTimeout,
		NegotiationTimeout: cfg.Call.NegotiationTimeout,
		PublishAttempts:    cfg.Call.PublishAttempts,
		Logger:             logger.Named("call"),
	})
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, errors.Wrap(client.Close(), "failed to close client"))
	}()
	if err := client.Start(ctx); err != nil {
		return err
	}
	logger.Infow("ready", "user", cfg.UserID)

	if argsParsed.Call != "" {
		callType := signaling.CallTypeAudio
		if argsParsed.Video {
			callType = signaling.CallTypeVideo
		}
		if _, err := client.PlaceCall(ctx, argsParsed.Call, callType); err != nil {
			out.failure("call", err)
		}
	}

	lines := make(chan string)
	callkit.PanicCapturingGo(func() {
		readLines(ctx, os.Stdin, lines)
	})
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			runCommand(ctx, client, out, line)
		}
	}
}

// readLines sends every line of r until r ends or ctx is done. A read in progress is not
// interrupted.
func readLines(ctx context.Context, r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case lines <- scanner.Text():
		}
	}
}

const usage = "commands: call <user> [video], accept <call>, reject <call>, hangup [call], active, history [limit]"

func runCommand(ctx context.Context, client *call.Client, out *printer, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	command, args := fields[0], fields[1:]
	var err error
	switch command {
	case "call":
		if len(args) == 0 {
			out.usage(usage)
			return
		}
		callType := signaling.CallTypeAudio
		if len(args) > 1 && args[1] == "video" {
			callType = signaling.CallTypeVideo
		}
		var callID string
		callID, err = client.PlaceCall(ctx, args[0], callType)
		if err == nil {
			out.placed(callID, args[0])
		}
	case "accept", "reject":
		if len(args) != 1 {
			out.usage(usage)
			return
		}
		err = client.RespondToCall(ctx, args[0], command == "accept")
	case "hangup":
		callID := ""
		if len(args) > 0 {
			callID = args[0]
		} else {
			var active *call.ActiveCall
			active, err = client.ActiveCall(ctx)
			if err == nil && active == nil {
				err = errors.New("no active call")
			}
			if err == nil {
				callID = active.CallID
			}
		}
		if err == nil {
			err = client.HangUp(ctx, callID)
		}
	case "active":
		var active *call.ActiveCall
		active, err = client.ActiveCall(ctx)
		if err == nil {
			out.active(active)
		}
	case "history":
		limit := 10
		if len(args) > 0 {
			limit, err = strconv.Atoi(args[0])
		}
		if err == nil {
			entries, listErr := client.History(ctx, limit)
			if listErr == nil {
				out.history(entries)
			}
			err = listErr
		}
	default:
		out.usage(usage)
		return
	}
	if err != nil {
		out.failure(command, err)
	}
}

// Command nomad-watch is a thin CLI front door over internal/watch,
// internal/task and internal/output, wiring flags onto an
// options.Options record the way tool/gravity/main.go wires kingpin flags
// onto its Application. Flag parsing and help text are an external
// collaborator; the termination logic lives in and is tested by the core
// packages this command calls into.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/pborman/uuid"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/exitcode"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/logging"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/nomadclient"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/options"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/output"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/task"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/watch"
)

// namePrefix mirrors the original docker-run-style entry point's default
// job naming convention for runs the caller didn't name explicitly.
const namePrefix = "nomad-watch-"

func main() {
	app := kingpin.New("nomad-watch", "Watch a job's allocations, evaluations and deployments until it finishes.")

	debug := app.Flag("debug", "Enable debug logging").Bool()
	address := app.Flag("address", "Scheduler HTTP address").Default("http://127.0.0.1:4646").Envar("NOMAD_ADDR").String()
	namespace := app.Flag("namespace", "Scheduler namespace").Envar("NOMAD_NAMESPACE").String()
	token := app.Flag("token", "Scheduler ACL token").Envar("NOMAD_TOKEN").String()
	region := app.Flag("region", "Scheduler region").Envar("NOMAD_REGION").String()

	all := app.Flag("all", "Disable the job-version filter; follow every version").Bool()
	follow := app.Flag("follow", "Shorthand for --all --lines=10").Bool()
	noFollow := app.Flag("no-follow", "Run at most --shutdown-timeout and exit").Bool()
	lines := app.Flag("lines", "Best-effort tail: keep at most N recent lines").Default("-1").Int()
	linesTimeout := app.Flag("lines-timeout", "Quiet window for the tail heuristic").Default("1s").Duration()
	shutdownTimeout := app.Flag("shutdown-timeout", "Join deadline for loggers / --no-follow's run time").Default("3s").Duration()
	taskRegex := app.Flag("task", "Restrict the Task Handler to tasks matching this regex").String()
	polling := app.Flag("polling", "Bypass the event stream; poll instead").Bool()
	noPreserveStatus := app.Flag("no-preserve-status", "Collapse the exit code to success/interrupted").Bool()

	outAll := app.Flag("out", "Which streams to emit: all,alloc,stdout,stderr,eval,none").Default("all").String()
	color := app.Flag("color", "Colorize output").Bool()
	fullID := app.Flag("full-id", "Print full allocation IDs instead of 6-char prefixes").Bool()
	timestamps := app.Flag("timestamps", "Prefix every line with a timestamp").Bool()

	purge := app.Flag("purge", "On stop, also purge the job").Bool()
	purgeSuccessful := app.Flag("purge-successful", "Purge only if the job finished/ran successfully").Bool()
	attach := app.Flag("attach", "On exit, stop the job").Bool()

	jobCmd := app.Command("job", "Watch a job until it finishes")
	jobCmdID := jobCmd.Arg("job-id", "Job ID to watch").Required().String()

	startCmd := app.Command("start", "Watch a job until every main task has started")
	startCmdID := startCmd.Arg("job-id", "Job ID to watch").Required().String()

	runCmd := app.Command("run", "Submit a single-task batch job, then watch it until it finishes")
	runName := runCmd.Flag("name", "Job name; defaults to a generated name").String()
	runDatacenters := runCmd.Flag("datacenter", "Datacenter to run in").Default("dc1").Strings()
	runImage := runCmd.Arg("image", "Container image for the task's driver config").Required().String()
	runCommand := runCmd.Arg("command", "Command and arguments run inside the container").Strings()

	cmd, err := app.Parse(os.Args[1:])
	if err != nil {
		kingpin.Fatalf("%v", err)
	}

	logging.Setup(*debug, os.Stderr)

	opts := options.Options{
		Address:          *address,
		Namespace:        *namespace,
		Token:            *token,
		Region:           *region,
		All:              *all,
		Streams:          parseStreams(*outAll),
		Attach:           *attach,
		Purge:            *purge,
		PurgeSuccessful:  *purgeSuccessful,
		Lines:            *lines,
		LinesTimeout:     *linesTimeout,
		ShutdownTimeout:  *shutdownTimeout,
		NoFollow:         *noFollow,
		NoPreserveStatus: *noPreserveStatus,
		Polling:          *polling,
		Color:            *color,
		FullAllocID:      *fullID,
		Timestamps:       *timestamps,
	}
	if *follow {
		opts = options.Follow(opts)
	}
	if *taskRegex != "" {
		re, err := regexp.Compile(*taskRegex)
		if err != nil {
			kingpin.Fatalf("invalid --task regex: %v", err)
		}
		opts.Task = re
	}

	ctx, cancel := signalContext()
	defer cancel()

	var runErr error
	switch cmd {
	case jobCmd.FullCommand():
		runErr = runJob(ctx, opts, *jobCmdID)
	case startCmd.FullCommand():
		runErr = runStart(ctx, opts, *startCmdID)
	case runCmd.FullCommand():
		runErr = runRun(ctx, opts, *runName, *runDatacenters, *runImage, *runCommand)
	}
	if runErr != nil {
		log.Error(trace.DebugReport(runErr))
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(exitcode.Exception)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	return ctx, cancel
}

func parseStreams(out string) output.Streams {
	if out == "all" {
		return output.AllStreams
	}
	if out == "none" {
		return output.Streams{}
	}
	parts := strings.FieldsFunc(out, func(r rune) bool { return r == ',' || r == ' ' })
	var s output.Streams
	for _, p := range parts {
		switch p {
		case "alloc":
			s.Alloc = true
		case "stdout":
			s.Stdout = true
		case "stderr":
			s.Stderr = true
		case "eval":
			s.Eval = true
		}
	}
	return s
}

func newClient(opts options.Options) (*nomadclient.Client, error) {
	return nomadclient.New(nomadclient.Config{
		Address:   opts.Address,
		Namespace: opts.Namespace,
		Token:     opts.Token,
		Region:    opts.Region,
		Timeout:   30 * time.Second,
	})
}

// effectivePurge resolves the --purge/--purge-successful policy (spec
// §4.3.4, §6.3): with --purge-successful, purging is conditional on the
// given success classifier rather than the bare --purge flag.
func effectivePurge(ctx context.Context, opts options.Options, classify func(context.Context) (bool, error)) bool {
	if !opts.PurgeSuccessful {
		return opts.Purge
	}
	ok, err := classify(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to classify job for --purge-successful; not purging.")
		return false
	}
	return ok
}

func runJob(ctx context.Context, opts options.Options, jobID string) error {
	client, err := newClient(opts)
	if err != nil {
		return trace.Wrap(err)
	}
	jw, err := watch.NewJobWatcher(ctx, client, jobID, watch.Options{
		All:             opts.All,
		Namespace:       opts.Namespace,
		ForcePolling:    opts.Polling,
		NoFollow:        opts.NoFollow,
		ShutdownTimeout: opts.ShutdownTimeout,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	batches := jw.Start(ctx)
	defer jw.Stop()

	formatter := output.New(os.Stdout, opts.FormatterOptions())
	allocations := task.NewAllocations(ctx, task.Config{
		Client:       client,
		Formatter:    formatter,
		Streams:      opts.Streams,
		Lines:        opts.Lines,
		LinesTimeout: opts.LinesTimeout,
		StartTime:    time.Now(),
	}, opts.Task)
	driver := watch.NewDriver(allocations, formatter)

	result, err := jw.WaitUntilFinished(ctx, batches, driver.Pump)
	allocations.Stop()

	if opts.Attach {
		purge := effectivePurge(ctx, opts, jw.JobFinishedSuccessfully)
		if stopErr := jw.StopJob(ctx, purge); stopErr != nil {
			log.WithError(stopErr).Warn("Failed to stop job on exit.")
		}
	}
	if err != nil {
		return trace.Wrap(err)
	}

	code := exitcode.FromTaskExitCodes(allocations.ExitCodes())
	if opts.NoPreserveStatus {
		code = exitcode.ForUntilFinished(!result.Interrupted)
	}
	os.Exit(code)
	return nil
}

func runStart(ctx context.Context, opts options.Options, jobID string) error {
	client, err := newClient(opts)
	if err != nil {
		return trace.Wrap(err)
	}
	jw, err := watch.NewJobWatcher(ctx, client, jobID, watch.Options{
		All:          opts.All,
		Namespace:    opts.Namespace,
		ForcePolling: opts.Polling,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	batches := jw.Start(ctx)
	defer jw.Stop()

	formatter := output.New(os.Stdout, opts.FormatterOptions())
	allocations := task.NewAllocations(ctx, task.Config{
		Client:       client,
		Formatter:    formatter,
		Streams:      opts.Streams,
		Lines:        opts.Lines,
		LinesTimeout: opts.LinesTimeout,
		StartTime:    time.Now(),
	}, opts.Task)
	driver := watch.NewDriver(allocations, formatter)

	result, err := jw.WaitUntilStarted(ctx, batches, driver.Pump)

	if opts.Attach {
		purge := effectivePurge(ctx, opts, jw.JobRunningSuccessfully)
		if stopErr := jw.StopJob(ctx, purge); stopErr != nil {
			log.WithError(stopErr).Warn("Failed to stop job on exit.")
		}
	}
	if err != nil {
		return trace.Wrap(err)
	}
	if result.Interrupted {
		os.Exit(exitcode.Interrupted)
	}
	os.Exit(exitcode.Success)
	return nil
}

// minimalJob builds the smallest single-task batch job envelope that can
// carry a container image and command, for callers that don't have a full
// job spec of their own. It's deliberately not a stand-in for a job spec
// authoring tool -- ports, volumes, mounts, templates and the rest of a
// driver's config surface are left to the caller's own submitted job.
func minimalJob(name string, datacenters []string, image string, command []string) (json.RawMessage, error) {
	taskConfig := map[string]interface{}{"image": image}
	if len(command) > 0 {
		taskConfig["command"] = command[0]
	}
	if len(command) > 1 {
		taskConfig["args"] = command[1:]
	}

	job := map[string]interface{}{
		"ID":          name,
		"Name":        name,
		"Type":        "batch",
		"Datacenters": datacenters,
		"TaskGroups": []map[string]interface{}{{
			"Name":  name,
			"Count": 1,
			"Tasks": []map[string]interface{}{{
				"Name":   name,
				"Driver": "docker",
				"Config": taskConfig,
				"Resources": map[string]interface{}{
					"CPU":      100,
					"MemoryMB": 128,
				},
			}},
		}},
	}
	return json.Marshal(job)
}

// runRun submits a minimal job built from image/command and then follows
// it exactly as runJob follows a pre-existing one, demonstrating the
// submit-then-watch contract: register, watch until finished, report the
// same aggregate exit code as runJob would for an already-running job.
func runRun(ctx context.Context, opts options.Options, name string, datacenters []string, image string, command []string) error {
	if name == "" {
		name = namePrefix + uuid.New()
	}

	client, err := newClient(opts)
	if err != nil {
		return trace.Wrap(err)
	}

	job, err := minimalJob(name, datacenters, image, command)
	if err != nil {
		return trace.Wrap(err)
	}
	sub, err := client.SubmitJob(ctx, job)
	if err != nil {
		return trace.Wrap(err)
	}
	log.WithField("job", name).WithField("eval", sub.EvalID).Info("Submitted job.")

	jw, err := watch.NewJobWatcher(ctx, client, name, watch.Options{
		HaveBaseline:        true,
		AfterJobModifyIndex: sub.JobModifyIndex,
		Namespace:           opts.Namespace,
		ForcePolling:        opts.Polling,
		NoFollow:            opts.NoFollow,
		ShutdownTimeout:     opts.ShutdownTimeout,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	batches := jw.Start(ctx)
	defer jw.Stop()

	formatter := output.New(os.Stdout, opts.FormatterOptions())
	allocations := task.NewAllocations(ctx, task.Config{
		Client:       client,
		Formatter:    formatter,
		Streams:      opts.Streams,
		Lines:        opts.Lines,
		LinesTimeout: opts.LinesTimeout,
		StartTime:    time.Now(),
	}, opts.Task)
	driver := watch.NewDriver(allocations, formatter)

	result, err := jw.WaitUntilFinished(ctx, batches, driver.Pump)
	allocations.Stop()

	if opts.Attach {
		purge := effectivePurge(ctx, opts, jw.JobFinishedSuccessfully)
		if stopErr := jw.StopJob(ctx, purge); stopErr != nil {
			log.WithError(stopErr).Warn("Failed to stop job on exit.")
		}
	}
	if err != nil {
		return trace.Wrap(err)
	}

	code := exitcode.FromTaskExitCodes(allocations.ExitCodes())
	if opts.NoPreserveStatus {
		code = exitcode.ForUntilFinished(!result.Interrupted)
	}
	os.Exit(code)
	return nil
}

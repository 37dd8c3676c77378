// Command executor is the bootstrap for one executor process: it parses
// the driver-supplied invocation contract (spec.md §4.4's "Executor
// process CLI"), dials the driver, and runs the backend's mailbox loop
// until StopExecutor or the process is killed.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/jiadongy/skewtune/config"
	"github.com/jiadongy/skewtune/executor"
	"github.com/jiadongy/skewtune/logging"
	"github.com/jiadongy/skewtune/rpcenv"
	"github.com/jiadongy/skewtune/structs"
)

// stringSlice accumulates repeated --user-class-path flags in order.
type stringSlice []string

func (s *stringSlice) String() string { return fmt.Sprint([]string(*s)) }

func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type options struct {
	driverURL     string
	executorID    string
	hostname      string
	cores         int
	appID         string
	workerURL     string
	userClassPath stringSlice
	dialTimeout   time.Duration
	mailboxSize   int
	maxFrameSize  int
	listenPort    int
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("executor", flag.ContinueOnError)
	var opts options
	fs.StringVar(&opts.driverURL, "driver-url", "", "address of the driver's RPC listener (required)")
	fs.StringVar(&opts.executorID, "executor-id", "", "unique id for this executor (required)")
	fs.StringVar(&opts.hostname, "hostname", "", "hostname this executor reports to the driver (required)")
	fs.IntVar(&opts.cores, "cores", 0, "number of cores this executor offers (required, > 0)")
	fs.StringVar(&opts.appID, "app-id", "", "application id (required)")
	fs.StringVar(&opts.workerURL, "worker-url", "", "optional worker-manager callback URL")
	fs.Var(&opts.userClassPath, "user-class-path", "additional classpath entry (repeatable)")
	fs.DurationVar(&opts.dialTimeout, "dial-timeout", 10*time.Second, "driver dial timeout")
	fs.IntVar(&opts.mailboxSize, "mailbox-size", 1024, "inbound mailbox capacity")
	fs.IntVar(&opts.maxFrameSize, "max-frame-size", 128*1024*1024, "maximum accepted envelope size in bytes")
	fs.IntVar(&opts.listenPort, "listen-port", config.Default().ExecutorPort, "port this executor listens on for driver-initiated messages (0 picks a free port, matching executor.port)")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.driverURL == "" || opts.executorID == "" || opts.hostname == "" || opts.appID == "" || opts.cores <= 0 {
		return options{}, fmt.Errorf("--driver-url, --executor-id, --hostname, --app-id, and --cores are required")
	}
	return opts, nil
}

// noopDeserializer stands in for the out-of-scope closure/data serializer
// named in spec.md §1; a real build wires in whatever format the scheduler
// uses to serialize TaskDescription.
type noopDeserializer struct{}

func (noopDeserializer) Deserialize(data []byte) (executor.TaskDescription, error) {
	return executor.TaskDescription{SerializedTask: data}, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logging.New("executor")
	log.Info("starting executor", "executor-id", opts.executorID, "driver-url", opts.driverURL, "app-id", opts.appID)

	transport := rpcenv.NewTransport(opts.maxFrameSize)
	driverRef, err := rpcenv.DialRef(transport, opts.driverURL, "driver", opts.dialTimeout)
	if err != nil {
		log.Error("failed to dial driver", "err", err)
		os.Exit(1)
	}
	defer driverRef.Close()

	// Listening lets the driver dial back in for LaunchTask, KillTask,
	// StopExecutor, and the SkewTune fetch commands; the advertised address
	// is sent to the driver in RegisterExecutor (see driver/endpoint.go's
	// resolveExecutorRef).
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", opts.listenPort))
	if err != nil {
		log.Error("failed to start executor listener", "err", err)
		os.Exit(1)
	}
	defer ln.Close()
	listenAddr := net.JoinHostPort(opts.hostname, strconv.Itoa(ln.Addr().(*net.TCPAddr).Port))
	log.Info("executor listening", "addr", listenAddr)

	env := rpcenv.NewEnv()
	backend := executor.NewBackend(
		log,
		structs.ExecutorID(opts.executorID),
		opts.hostname,
		listenAddr,
		opts.cores,
		env,
		opts.mailboxSize,
		driverRef,
		noopDeserializer{},
		func() executor.TaskExecutor { return newUserClassPathExecutor(log, opts.userClassPath) },
	)

	go func() {
		if err := executor.ListenAndServe(log, transport, ln, backend); err != nil {
			log.Warn("executor listener stopped", "err", err)
		}
	}()

	if err := backend.Start(); err != nil {
		log.Error("executor backend exited with error", "err", err)
		os.Exit(1)
	}
}

// userClassPathExecutor is a minimal TaskExecutor placeholder: the real
// task-running machinery (JVM subprocess, embedded interpreter, whatever
// the scheduler's task payload expects) is the out-of-scope collaborator
// spec.md §1 names; this logs what it would have run.
type userClassPathExecutor struct {
	log           hclog.Logger
	userClassPath []string
}

func newUserClassPathExecutor(log hclog.Logger, userClassPath []string) *userClassPathExecutor {
	return &userClassPathExecutor{log: log.Named("task-executor"), userClassPath: userClassPath}
}

func (e *userClassPathExecutor) RunTask(desc executor.TaskDescription, fetches *executor.FetchIterator) error {
	e.log.Info("running task", "task", desc.TaskID, "attempt", desc.AttemptNumber)
	for {
		_, ok := fetches.Next()
		if !ok {
			return nil
		}
	}
}

func (e *userClassPathExecutor) KillTask(taskID structs.TaskID, interrupt bool) error {
	e.log.Info("killing task", "task", taskID, "interrupt", interrupt)
	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"rash/internal/ast"
	"rash/internal/host"
	"rash/internal/journal"
	"rash/internal/logger"
	"rash/internal/object"
	"rash/internal/runtime"
	"rash/internal/util"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// Version, BuildDate and Commit are set at link time.
	Version   = "dev"
	BuildDate = "unknown"
	Commit    = "unknown"
	help      bool
	version   bool
	// config vars
	configPath string
	debugAST   bool
	runFor     time.Duration
	// logging
	logLevel  string
	logFile   string
	logFormat string
	// journal
	journalDriver string
	journalDSN    string
)

var errProgramFailed = errors.New("program failed")

func init() {
	flag.BoolVar(&help, "help", false, "Display help information and exit")
	flag.BoolVar(&help, "h", false, "Display help information and exit")
	flag.BoolVar(&version, "version", false, "Display version information and exit")
	flag.BoolVar(&version, "v", false, "Display version information and exit")
	flag.StringVar(&configPath, "config", "", "Load configuration from a YAML file")
	// runtime config
	flag.BoolVar(&debugAST, "debug-ast", false, "Write the decoded AST next to the program as <file>.ast.txt")
	flag.DurationVar(&runFor, "run-for", 0, "Keep serving scheduled tasks this long after the program ends (0 waits for a signal while tasks are active)")
	// log config
	flag.StringVar(&logLevel, "log-level", "none", "Log level: debug, info, warn, error, none")
	flag.StringVar(&logFile, "log-file", "", "Log file path (if not set, logs to stderr)")
	flag.StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	// journal config
	flag.StringVar(&journalDriver, "journal-driver", "", "Record task events with this database driver: sqlite, sqlite3 or mysql")
	flag.StringVar(&journalDSN, "journal-dsn", "", "Data source name for the task journal")
}

func main() {
	flag.Parse()

	if version {
		printVersion()
		return
	}

	if help {
		printHelp()
		return
	}

	config, err := loadConfiguration()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	closeLog, err := logger.Setup(config.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	code := run(config, flag.Arg(0))
	_ = closeLog()
	os.Exit(code)
}

// loadConfiguration reads -config when given and lets explicitly set flags override it.
func loadConfiguration() (util.Configuration, error) {
	config := util.DefaultConfiguration()
	if configPath != "" {
		var err error
		if config, err = util.LoadConfiguration(configPath); err != nil {
			return config, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "debug-ast":
			config.DebugAST = debugAST
		case "log-level":
			config.Log.Level = logLevel
		case "log-file":
			config.Log.File = logFile
		case "log-format":
			config.Log.Format = logFormat
		case "journal-driver":
			config.Journal.Driver = journalDriver
		case "journal-dsn":
			config.Journal.DSN = journalDSN
		}
	})

	config.Version = Version
	config.BuildDate = BuildDate
	config.Commit = Commit

	return config, config.Validate()
}

func run(config util.Configuration, fileName string) int {
	log := logger.NewLogger("main")

	if fileName == "" {
		fmt.Fprintln(os.Stderr, "no program given, see -help")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []runtime.Option
	if config.Journal.Driver != "" {
		j, err := journal.Open(ctx, config.Journal.Driver, config.Journal.DSN)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 2
		}
		defer j.Close()

		reg := host.NewRegistry()
		j.Install(reg)
		opts = append(opts, runtime.WithHost(reg), runtime.WithObserver(j))
	}

	rt := runtime.NewRuntime(config, opts...)

	program, err := rt.LoadProgram(fileName)
	if err != nil {
		var decodeErr *ast.DecodeError
		if errors.As(err, &decodeErr) {
			src, _ := os.ReadFile(fileName)
			fmt.Fprintf(os.Stderr, "DecodeError: %v\n\n%s\n", err,
				util.GetContextLines(string(src), decodeErr.Position.Line, decodeErr.Position.Column))
		} else {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rt.Run(gctx)
	})

	g.Go(func() error {
		defer rt.Stop()

		start := time.Now()
		result, err := rt.Execute(gctx, program.Program)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprint(os.Stderr, object.RenderError(err, program.Src))
			return errProgramFailed
		}
		log.Debug("program finished",
			slog.String("program", program.Path),
			slog.String("result", result.Inspect()),
			slog.Duration("elapsed", time.Since(start)))

		return serveTasks(gctx, rt, log)
	})

	if err := g.Wait(); err != nil {
		if !errors.Is(err, errProgramFailed) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		return 1
	}
	return 0
}

// serveTasks keeps the scheduler alive while the program has active tasks, bounded by -run-for
// when it is set.
func serveTasks(ctx context.Context, rt *runtime.Runtime, log *slog.Logger) error {
	active := rt.Scheduler().Active()
	if active == 0 {
		return nil
	}
	log.Info("serving scheduled tasks", slog.Int("active", active), slog.Duration("run-for", runFor))

	var deadline <-chan time.Time
	if runFor > 0 {
		timer := time.NewTimer(runFor)
		defer timer.Stop()
		deadline = timer.C
	}

	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			return nil
		case <-poll.C:
			if rt.Scheduler().Active() == 0 {
				return nil
			}
		}
	}
}

func printVersion() {
	fmt.Printf("rash version 'v%s' %s %s\n", Version, BuildDate, Commit)
}

func printHelp() {
	fmt.Printf(`Usage: rash [options] program.yaml

Options:
  -config <path>          Load configuration from a YAML file.
  -debug-ast              Write the decoded AST next to the program as <file>.ast.txt.
  -run-for <duration>     Keep serving scheduled tasks this long after the program ends.
                          Default 0 serves until all tasks are cancelled or a signal arrives.
  -journal-driver <name>  Record task events: sqlite, sqlite3 or mysql.
  -journal-dsn <dsn>      Data source name for the journal.
  -help                   Display this help information and exit.
  -version                Display version information and exit.
  -log-level <level>      Set the log level: debug, info, warn, error, none. Default is 'none'.
  -log-file <path>        Specify a log file to write logs. Default is stderr.
  -log-format <format>    text or json. Default is 'text'.

Details:
rash runs programs delivered as YAML syntax trees. Programs reach the host through
eval(namespace, name, ...) and schedule callbacks with call(namespace, name, fn, interval, ...).
HTTP routes are event driven and take no interval: call("http", "register", fn, server, method, pattern).

Examples:
  rash imports.yaml                                 Run the program
  rash -run-for=10s ticker.yaml                     Run and serve its tickers for ten seconds
  rash server.yaml                                  Serve its http routes until interrupted
  rash -journal-driver=sqlite -journal-dsn=rash.db ticker.yaml

Version Information:
  Version:    %s
  Build Date: %s
  Commit:     %s
`, Version, BuildDate, Commit)
}

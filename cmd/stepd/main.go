// stepd - Step counting engine with validation and daily aggregates
//
//	stepd run               Run the tracking engine
//	stepd status            Show today's total and store summary
//	stepd import <file>     Import a FIT or JSON step file
//	stepd write <steps>     Write a step range through the duplicate guard
//	stepd sync <steps>      Reconcile steps missed while stepd was not running
//	stepd clear             Delete all stored records
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"stepd/internal/config"
	"stepd/internal/engine"
	"stepd/internal/guard"
	"stepd/internal/importer"
	"stepd/internal/logging"
	"stepd/internal/metrics"
	"stepd/internal/session"
	"stepd/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "run":
		cmdRun(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "import":
		cmdImport(os.Args[2:])
	case "write":
		cmdWrite(os.Args[2:])
	case "sync":
		cmdSync(os.Args[2:])
	case "clear":
		cmdClear(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`stepd - Step Counting Engine

USAGE:
    stepd <command> [options]

COMMANDS:
    run                 Run the tracking engine in the foreground
    status              Show today's total and store summary
    import <file>       Import a FIT activity or JSON step file
    write <steps>       Write a step range through the duplicate guard
    sync <steps>        Reconcile steps counted while stepd was not running
    clear               Delete all stored records
    help                Show this help message

Common options:
    -config <path>      Configuration file (TOML, YAML, or JSON)

Step counts are summed per calendar day; ranges spanning midnight are
split proportionally so each day keeps its own total.`)
}

// loadConfig resolves the config path flag, falling back to the default
// location.
func loadConfig(path string) *config.Config {
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fatalf("load config: %v", err)
	}
	return cfg
}

func setupLogging(cfg *config.Config) *logging.Logger {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		fatalf("%v", err)
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		fatalf("%v", err)
	}
	log, err := logging.New(&logging.Config{
		Level:     level,
		Format:    format,
		Output:    cfg.Logging.Output,
		Component: "stepd",
	})
	if err != nil {
		fatalf("setup logging: %v", err)
	}
	logging.SetDefault(log)
	return log
}

func openStore(cfg *config.Config) *store.Store {
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		fatalf("open store: %v", err)
	}
	return st
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	simulate := fs.Bool("simulate", false, "feed simulated detector events instead of reading a device")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	log := setupLogging(cfg)
	defer log.Close()

	st := openStore(cfg)
	defer st.Close()

	stats := metrics.NewStepdMetrics(metrics.Default())

	eng, err := engine.New(cfg, st, stats, log.WithComponent("engine"))
	if err != nil {
		fatalf("create engine: %v", err)
	}
	defer eng.Close()

	if err := eng.StartSession(); err != nil {
		fatalf("start session: %v", err)
	}
	if err := eng.SetLifecycleState(store.SourceForeground); err != nil {
		fatalf("set lifecycle: %v", err)
	}

	var imp *importer.Importer
	if cfg.Import.Enabled {
		imp, err = importer.New(cfg.Import.Dir, eng, stats, log.WithComponent("importer"))
		if err != nil {
			fatalf("create importer: %v", err)
		}
		if err := imp.Start(); err != nil {
			fatalf("start importer: %v", err)
		}
		defer imp.Stop()
		log.Info("import watcher running", "dir", imp.Dir())
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Default().HTTPHandler())
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics listener failed", "error", err)
			}
		}()
		defer srv.Close()
		log.Info("metrics listening", "addr", cfg.Metrics.Listen)
	}

	// Print published totals as they change.
	updates, cancel := eng.SubscribeAggregate()
	defer cancel()
	go func() {
		for total := range updates {
			fmt.Printf("\rSteps today: %d    ", total)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	done := make(chan struct{})
	if *simulate {
		go simulateDetector(eng, done)
	}

	log.Info("stepd running", "store", cfg.Storage.Path)
	<-sigChan
	close(done)
	fmt.Println()

	if err := eng.StopSession(); err != nil {
		log.Warn("stop session", "error", err)
	}
	log.Info("stepd stopped")
}

// simulateDetector emits a plausible walking cadence until interrupted.
// Useful on machines without a step source.
func simulateDetector(eng *engine.Engine, stop <-chan struct{}) {
	var cumulative uint64
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			cumulative += uint64(1 + rand.Intn(2))
			if err := eng.ProcessEvent(session.StepIncrementEvent{
				CumulativeCount: cumulative,
				Timestamp:       now,
				Confidence:      0.9,
			}); err != nil {
				return
			}
		}
	}
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	st := openStore(cfg)
	defer st.Close()

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)

	today, err := st.SumSteps(store.Filter{From: midnight, To: midnight.AddDate(0, 0, 1)})
	if err != nil {
		fatalf("sum today: %v", err)
	}
	week, err := st.SumSteps(store.Filter{From: midnight.AddDate(0, 0, -6), To: midnight.AddDate(0, 0, 1)})
	if err != nil {
		fatalf("sum week: %v", err)
	}
	records, err := st.QueryRecords(store.Filter{})
	if err != nil {
		fatalf("query records: %v", err)
	}

	fmt.Printf("Store:        %s\n", cfg.Storage.Path)
	fmt.Printf("Today:        %d steps\n", today)
	fmt.Printf("Last 7 days:  %d steps\n", week)
	fmt.Printf("Records:      %d\n", len(records))
}

func cmdImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fatalf("import requires a file path")
	}
	path := fs.Arg(0)

	cfg := loadConfig(*configPath)
	log := setupLogging(cfg)
	defer log.Close()

	st := openStore(cfg)
	defer st.Close()

	eng, err := engine.New(cfg, st, nil, log.WithComponent("engine"))
	if err != nil {
		fatalf("create engine: %v", err)
	}
	defer eng.Close()

	imp, err := importer.New(cfg.Import.Dir, eng, nil, log.WithComponent("importer"))
	if err != nil {
		fatalf("create importer: %v", err)
	}

	if err := imp.ProcessFile(context.Background(), path); err != nil {
		fatalf("import %s: %v", path, err)
	}
	fmt.Printf("Imported %s\n", path)
}

// parseWindow reads the -from and -to flags shared by write and sync.
func parseWindow(from, to string) (time.Time, time.Time) {
	toTime := time.Now()
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			fatalf("parse -to: %v", err)
		}
		toTime = t
	}

	fromTime := toTime.Add(-time.Hour)
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			fatalf("parse -from: %v", err)
		}
		fromTime = t
	}
	return fromTime, toTime
}

func cmdWrite(args []string) {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	from := fs.String("from", "", "range start (RFC 3339, default one hour before -to)")
	to := fs.String("to", "", "range end (RFC 3339, default now)")
	force := fs.Bool("force", false, "write even if a fuzzy duplicate exists")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fatalf("write requires a step count")
	}
	steps, err := strconv.ParseUint(fs.Arg(0), 10, 32)
	if err != nil {
		fatalf("parse step count: %v", err)
	}

	cfg := loadConfig(*configPath)
	log := setupLogging(cfg)
	defer log.Close()

	st := openStore(cfg)
	defer st.Close()

	eng, err := engine.New(cfg, st, nil, log.WithComponent("engine"))
	if err != nil {
		fatalf("create engine: %v", err)
	}
	defer eng.Close()

	fromTime, toTime := parseWindow(*from, *to)
	res, err := eng.Write(context.Background(), uint32(steps), fromTime, toTime, store.SourceExternal, nil, !*force)
	if err != nil {
		fatalf("write: %v", err)
	}

	if res == guard.Skipped {
		fmt.Println("Skipped: a matching record already exists")
		return
	}
	fmt.Printf("Wrote %d steps (%s to %s)\n", steps,
		fromTime.Format(time.RFC3339), toTime.Format(time.RFC3339))
}

func cmdSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	from := fs.String("from", "", "gap start (RFC 3339)")
	to := fs.String("to", "", "gap end (RFC 3339, default now)")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fatalf("sync requires a step count")
	}
	steps, err := strconv.ParseUint(fs.Arg(0), 10, 32)
	if err != nil {
		fatalf("parse step count: %v", err)
	}

	cfg := loadConfig(*configPath)
	log := setupLogging(cfg)
	defer log.Close()

	st := openStore(cfg)
	defer st.Close()

	eng, err := engine.New(cfg, st, nil, log.WithComponent("engine"))
	if err != nil {
		fatalf("create engine: %v", err)
	}
	defer eng.Close()

	fromTime, toTime := parseWindow(*from, *to)
	acc, err := eng.Reconcile(uint32(steps), fromTime, toTime)
	if err != nil {
		fatalf("sync: %v", err)
	}
	if acc == nil {
		fmt.Println("Dropped: too few steps or implausible rate for the gap")
		return
	}
	fmt.Printf("Recovered %d steps across %d record(s)\n", acc.MissedSteps, len(acc.Records))
}

func cmdClear(args []string) {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	yes := fs.Bool("yes", false, "skip confirmation")
	fs.Parse(args)

	cfg := loadConfig(*configPath)

	if !*yes {
		fmt.Printf("Delete ALL step records in %s? [y/N] ", cfg.Storage.Path)
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	st := openStore(cfg)
	defer st.Close()

	if err := st.DeleteAll(); err != nil {
		fatalf("clear store: %v", err)
	}
	fmt.Println("All records deleted.")
}

package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"flqa-radar/flqa"
)

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }
func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var configPath string
	var dbPath string
	var listen string
	var archiveDir string
	var errorDir string
	var inputs multiFlag
	var syslogAddr string
	var jobLabel string
	var serviceLabel string
	var debug bool
	var once bool
	var pollInterval time.Duration

	flag.StringVar(&configPath, "config", "", "YAML config file path.")
	flag.StringVar(&dbPath, "db", "flqa.db", "SQLite database path.")
	flag.StringVar(&listen, "listen", ":8080", "HTTP listen address for the reporting API.")
	flag.StringVar(&archiveDir, "archive-dir", "", "Directory for processed source files. Empty leaves files in place.")
	flag.StringVar(&errorDir, "error-dir", "", "Directory for source files that failed to process.")
	flag.Var(&inputs, "input", "Input spec TYPE=GLOB (e.g. FLA=/data/inbox/fla/*.csv). Can be repeated.")
	flag.StringVar(&syslogAddr, "syslog-addr", "", "Syslog receiver address (tcp) for alert forwarding. Empty disables.")
	flag.StringVar(&jobLabel, "job", "flqa-import", "Structured-data job label on forwarded alerts.")
	flag.StringVar(&serviceLabel, "service", "flqa", "Structured-data service label on forwarded alerts.")
	flag.BoolVar(&debug, "debug", false, "Enable debug logs.")
	flag.BoolVar(&once, "once", false, "Run one ingest pass and exit (for crontab).")
	flag.DurationVar(&pollInterval, "poll-interval", 30*time.Second, "Ingest polling interval in serve mode.")
	flag.Parse()

	visited := map[string]bool{}
	flag.CommandLine.Visit(func(f *flag.Flag) {
		visited[f.Name] = true
	})

	// Base config from file (optional), CLI flags override.
	fileCfg := &flqa.FileConfig{}
	if configPath != "" {
		cfg, err := flqa.LoadConfig(configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		fileCfg = cfg
	}

	finalDB := fileCfg.DB
	if finalDB == "" || visited["db"] {
		finalDB = dbPath
	}
	finalListen := fileCfg.Listen
	if finalListen == "" || visited["listen"] {
		finalListen = listen
	}
	finalArchive := fileCfg.ArchiveDir
	if visited["archive-dir"] {
		finalArchive = archiveDir
	}
	finalError := fileCfg.ErrorDir
	if visited["error-dir"] {
		finalError = errorDir
	}
	finalSyslog := fileCfg.SyslogAddr
	if visited["syslog-addr"] {
		finalSyslog = syslogAddr
	}
	finalJob := fileCfg.Job
	if finalJob == "" || visited["job"] {
		finalJob = jobLabel
	}
	finalService := fileCfg.Service
	if finalService == "" || visited["service"] {
		finalService = serviceLabel
	}
	finalDebug := fileCfg.Debug
	if visited["debug"] {
		finalDebug = debug
	}

	specs := fileCfg.Files.Items
	if len(inputs) > 0 {
		specs = nil
		for _, in := range inputs {
			spec, err := parseInputFlag(in)
			if err != nil {
				log.Fatalf("bad -input %q: %v", in, err)
			}
			specs = append(specs, spec)
		}
	}

	runner, err := flqa.NewRunner(flqa.RunnerConfig{
		DBPath:       finalDB,
		Inputs:       specs,
		ArchiveDir:   finalArchive,
		ErrorDir:     finalError,
		SyslogAddr:   finalSyslog,
		JobLabel:     finalJob,
		ServiceLabel: finalService,
		Debug:        finalDebug,
		Aliases:      fileCfg.Aliases,
	})
	if err != nil {
		log.Fatalf("init runner: %v", err)
	}
	defer runner.Close()

	if once {
		if err := runner.RunOnce(); err != nil {
			log.Fatalf("run: %v", err)
		}
		return
	}

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			if err := runner.RunOnce(); err != nil {
				log.Printf("run: %v", err)
			}
			<-ticker.C
		}
	}()

	srv := flqa.NewServer(runner)
	log.Printf("listening on %s", finalListen)
	if err := http.ListenAndServe(finalListen, srv.Handler()); err != nil {
		log.Printf("serve: %v", err)
		os.Exit(1)
	}
}

func parseInputFlag(s string) (flqa.InputSpec, error) {
	parts := strings.SplitN(s, "=", 2)
	if len(parts) != 2 {
		return flqa.InputSpec{}, fmt.Errorf("expected TYPE=GLOB")
	}
	t, err := flqa.ParseFileType(parts[0])
	if err != nil {
		return flqa.InputSpec{}, err
	}
	glob := strings.TrimSpace(parts[1])
	if glob == "" {
		return flqa.InputSpec{}, fmt.Errorf("empty glob")
	}
	return flqa.InputSpec{Type: t, Glob: glob}, nil
}

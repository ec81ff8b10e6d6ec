// Command pystemon polls paste-publishing sites for newly published
// content, matches it against configured regular expressions, saves hits
// and alerts by email.
//
// Grounded on walker's cmd/cmd.go cobra wiring, generalized from
// walker's crawl/fetch/readlink subcommands to pystemon.py's single-process
// CLI (-c/-d/-k/--debug).
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cvandeplas/pystemon"
	"github.com/cvandeplas/pystemon/console"
	"github.com/cvandeplas/pystemon/extractor"
	"github.com/cvandeplas/pystemon/notify"
	"github.com/cvandeplas/pystemon/storage"
)

var (
	configPath string
	daemonize  bool
	killDaemon bool
	debug      bool
)

func main() {
	root := &cobra.Command{
		Use:   "pystemon",
		Short: "monitor paste sites for pattern matches",
		RunE:  run,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to a config file to load")
	root.Flags().BoolVarP(&daemonize, "daemonize", "d", false, "daemonize after startup")
	root.Flags().BoolVarP(&killDaemon, "kill", "k", false, "stop the running daemon")
	root.Flags().BoolVar(&debug, "debug", false, "verbose logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = pystemon.DefaultConfigPath("pystemon")
	}
	if err := pystemon.ReadConfigFile(path); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(pystemon.Config.LoggingLevel); err == nil {
		level = l
	}
	if debug {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Output(zerolog.NewConsoleWriter()).Level(level)

	if killDaemon {
		return killRunningDaemon()
	}
	if daemonize {
		daemonizeSelf()
	}
	if pystemon.Config.Pid.Filename != "" {
		if err := writePidFile(pystemon.Config.Pid.Filename); err != nil {
			log.Error().Err(err).Msg("failed to write pid file")
		}
		defer os.Remove(pystemon.Config.Pid.Filename)
	}

	metricsReg := prometheus.NewRegistry()
	pystemon.GlobalMetrics = pystemon.NewMetrics(metricsReg)

	sv := pystemon.NewSupervisor(buildBackend, buildNotifier, extractor.For)

	var consoleServer *console.Server
	if pystemon.Config.Console.Port > 0 {
		consoleServer = console.NewServer(
			fmt.Sprintf(":%d", pystemon.Config.Console.Port),
			func() any { return sv.Stats() },
			metricsReg,
		)
		consoleServer.Start()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	code := sv.Run(ctx)
	if consoleServer != nil {
		consoleServer.Stop()
	}
	os.Exit(code)
	return nil
}

// buildBackend resolves one storage.<name> config entry to a concrete
// Storage implementation, selecting the constructor by storage-classname.
//
// Grounded on the dynamic-class-selection design used throughout; unlike
// extractor.For this registry is inlined here rather than in the storage
// package, since each backend's config maps fields out of the YAML
// storage.<name>.* Extra bag differently.
func buildBackend(name string, cfg pystemon.StorageConfig) (pystemon.Storage, error) {
	extra := cfg.Extra
	switch cfg.StorageClassname {
	case "", "file":
		return storage.NewFileStorage(storage.FileConfig{
			Name:       name,
			SaveDir:    extra["dir"],
			ArchiveDir: extra["dir-all"],
			SaveAll:    cfg.SaveAll,
			Compress:   extra["compress"] == "true",
			Lookup:     cfg.Lookup,
		})
	case "sqlite":
		return storage.NewSQLiteStorage(name, extra["file"], cfg.Lookup)
	case "mongodb":
		return storage.NewMongoStorage(context.Background(), storage.MongoConfig{
			Name:       name,
			URI:        extra["uri"],
			Database:   extra["database"],
			Collection: extra["collection"],
			Lookup:     cfg.Lookup,
			Profile: storage.MongoProfile{
				ContentOnMiss: extra["save-content-on-miss"] == "true",
				Timestamp:     extra["save-timestamp"] != "false",
				URL:           extra["save-url"] != "false",
				Site:          extra["save-site"] != "false",
				ID:            extra["save-id"] != "false",
				Matched:       extra["save-matched"] != "false",
				Filename:      extra["save-filename"] != "false",
			},
		})
	case "redis":
		db, _ := strconv.Atoi(extra["db"])
		return storage.NewRedisStorage(storage.RedisConfig{
			Name:     name,
			Addr:     extra["addr"],
			Password: extra["password"],
			DB:       db,
			ListKey:  extra["list-key"],
			SaveAll:  cfg.SaveAll,
		}), nil
	case "telegram":
		var chatIDs []int64
		for _, s := range strings.Split(extra["chat-ids"], ",") {
			if s = strings.TrimSpace(s); s != "" {
				if id, err := strconv.ParseInt(s, 10, 64); err == nil {
					chatIDs = append(chatIDs, id)
				}
			}
		}
		return storage.NewTelegramStorage(storage.TelegramConfig{
			Name:    name,
			Token:   extra["token"],
			ChatIDs: chatIDs,
		})
	default:
		return nil, fmt.Errorf("unknown storage-classname %q for storage %q", cfg.StorageClassname, name)
	}
}

func buildNotifier(cfg pystemon.EmailConfig) pystemon.Notifier {
	if !cfg.Alert {
		return nil
	}
	return notify.NewSMTPNotifier(notify.SMTPConfig{
		From:      cfg.From,
		To:        cfg.To,
		Subject:   cfg.Subject,
		Server:    cfg.Server,
		Port:      cfg.Port,
		TLS:       cfg.TLS,
		Username:  cfg.Username,
		Password:  cfg.Password,
		SizeLimit: cfg.SizeLimit,
	})
}

// daemonizeSelf re-execs the current binary with stdio detached and a new
// session, then exits the parent. Go has no fork(); this is the documented
// substitute for pystemon.py's os.fork()-based -d flag.
func daemonizeSelf() {
	if os.Getenv("PYSTEMON_DAEMONIZED") == "1" {
		return
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "daemonize: ", err)
		os.Exit(1)
	}
	proc, err := os.StartProcess(os.Args[0], os.Args, &os.ProcAttr{
		Env:   append(os.Environ(), "PYSTEMON_DAEMONIZED=1"),
		Files: []*os.File{devnull, devnull, devnull},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "daemonize: ", err)
		os.Exit(1)
	}
	fmt.Println("daemonized as pid", proc.Pid)
	os.Exit(0)
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// killRunningDaemon reads Config.Pid.Filename and sends SIGINT, the
// signal-driven graceful stop path.
func killRunningDaemon() error {
	path := pystemon.Config.Pid.Filename
	if path == "" {
		return fmt.Errorf("pid.filename is not configured, cannot locate running daemon")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("parsing pid file: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGINT); err != nil {
		return fmt.Errorf("signaling process %d: %w", pid, err)
	}
	return nil
}

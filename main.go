package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"murmur/commands"
	"murmur/config"

	log "github.com/sirupsen/logrus"
)

func setLogLevel(level string) {
	l, err := log.ParseLevel(level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(l)
}

func registerGlobalFlags(fset *flag.FlagSet) {
	flag.VisitAll(func(f *flag.Flag) {
		fset.Var(f.Value, f.Name, f.Usage)
	})
}

func checkConfig(cfg string) {
	if cfg == "" {
		log.Fatal("Config file not specified")
	}
}

func loadConfig(file string) *config.Config {
	cfg, err := config.NewConfigFromFile(file)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// overrideID lets one config file serve every node of a cluster.
func overrideID(cfg *config.Config, id string) {
	if id == "" {
		return
	}
	cfg.Node.ID = id
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid node id %q: %v", id, err)
	}
}

// main is the entry point of the application.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configFile := flag.String("config", "", "Path to config file")
	logLevel := flag.String("loglevel", "info", "Log level")

	initCmd := flag.NewFlagSet("init", flag.ExitOnError)
	registerGlobalFlags(initCmd)

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	serveID := serveCmd.String("id", "", "Node identity, overrides node.id from the config")
	registerGlobalFlags(serveCmd)

	infoCmd := flag.NewFlagSet("info", flag.ExitOnError)
	infoID := infoCmd.String("id", "", "Node to query, overrides node.id from the config")
	infoAddr := infoCmd.String("addr", "", "Control plane address, overrides the derived one")
	registerGlobalFlags(infoCmd)

	eventsCmd := flag.NewFlagSet("events", flag.ExitOnError)
	eventsID := eventsCmd.String("id", "", "Node whose journal to read, overrides node.id from the config")
	eventsFrom := eventsCmd.Uint64("from", 1, "First sequence number")
	eventsTo := eventsCmd.Uint64("to", 0, "Stop before this sequence number, 0 for all")
	registerGlobalFlags(eventsCmd)

	if len(os.Args) < 2 {
		log.WithField("args", os.Args).Fatal("Expected a subcommand: init, serve, info or events")
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "init":
		initCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg := config.NewEmptyConfig(*configFile)
		commands.RunInit(ctx, cfg)
	case "serve":
		serveCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg := loadConfig(*configFile)
		overrideID(cfg, *serveID)
		commands.RunServe(ctx, cfg)
	case "info":
		infoCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg := loadConfig(*configFile)
		overrideID(cfg, *infoID)
		commands.RunInfo(ctx, cfg, *infoAddr)
	case "events":
		eventsCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg := loadConfig(*configFile)
		overrideID(cfg, *eventsID)
		commands.RunEvents(ctx, cfg, *eventsFrom, *eventsTo)
	default:
		log.Fatalf("Invalid subcommand '%s'", os.Args[1])
	}
}

package main

import (
	"context"
	"fmt"
	"github.com/alienrobotwizard/xmanager/core/app"
	"github.com/alienrobotwizard/xmanager/core/cluster"
	"github.com/alienrobotwizard/xmanager/core/config"
	"github.com/alienrobotwizard/xmanager/core/events"
	"github.com/alienrobotwizard/xmanager/core/execution/engines"
	"github.com/alienrobotwizard/xmanager/core/execution/engines/cloud"
	"github.com/alienrobotwizard/xmanager/core/execution/engines/kubernetes"
	"github.com/alienrobotwizard/xmanager/core/execution/engines/local"
	"github.com/alienrobotwizard/xmanager/core/execution/workers"
	"github.com/alienrobotwizard/xmanager/core/experiment"
	"github.com/alienrobotwizard/xmanager/core/launch"
	"github.com/alienrobotwizard/xmanager/core/metrics"
	"github.com/alienrobotwizard/xmanager/core/state"
	"github.com/alienrobotwizard/xmanager/core/xm"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
	"gopkg.in/yaml.v3"
	"os"
	"os/signal"
	"syscall"
)

var (
	version string
	cli     = kingpin.New("xmanager", "Launch and track experiments on local docker, managed cloud batch and kubernetes")
	confDir = cli.Flag("config-dir", "Directory holding config.yaml (set $XM_CONFIG_DIR to override)").
		Short('c').Envar("XM_CONFIG_DIR").ExistingDir()
	logJSON = cli.Flag("log-json", "Log in JSON format").Default("false").Bool()
	debug   = cli.Flag("debug", "Enable debug logging").Short('d').Default("false").Bool()

	serveCmd = cli.Command("serve", "Serve the read-only experiment API")

	launchCmd  = cli.Command("launch", "Package and launch the experiment described by a launch file")
	launchFile = launchCmd.Arg("file", "Launch file (yaml)").Required().ExistingFile()
	launchWait = launchCmd.Flag("wait", "Watch work units until every one is terminal").Default("false").Bool()

	experimentsCmd = cli.Command("experiments", "Inspect recorded experiments")
	listCmd        = experimentsCmd.Command("list", "List experiments")
	listLimit      = listCmd.Flag("limit", "Maximum number of experiments").Default("100").Int()
	listOffset     = listCmd.Flag("offset", "Experiments to skip").Default("0").Int()
	listTitle      = listCmd.Flag("title", "Only titles containing this").String()
	getCmd         = experimentsCmd.Command("get", "Show one experiment and its work units")
	getID          = getCmd.Arg("id", "Experiment id").Required().Uint()

	clusterCmd    = cli.Command("cluster", "Manage the kubernetes namespace and service account used by jobs")
	clusterCreate = clusterCmd.Command("create", "Create the namespace and service account")
	clusterDelete = clusterCmd.Command("delete", "Delete the service account and, when created here, the namespace")
)

func main() {
	cli.Version(version)
	cli.HelpFlag.Short('h')
	command := kingpin.MustParse(cli.Parse(os.Args[1:]))

	if *logJSON {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	var dir *string
	if *confDir != "" {
		dir = confDir
	}
	c, err := config.NewConfig(dir)
	if err != nil {
		fatal(errors.Wrap(err, "unable to initialize config"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		<-signals
		cancel()
	}()

	switch command {
	case serveCmd.FullCommand():
		err = serve(ctx, c)
	case launchCmd.FullCommand():
		err = runLaunch(ctx, c)
	case listCmd.FullCommand():
		err = listExperiments(ctx, c)
	case getCmd.FullCommand():
		err = getExperiment(ctx, c)
	case clusterCreate.FullCommand(), clusterDelete.FullCommand():
		err = manageCluster(ctx, c, command == clusterCreate.FullCommand())
	}
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "%+v\n", err)
	os.Exit(1)
}

func serve(ctx context.Context, c *config.Config) error {
	registry, err := state.NewRegistry(ctx, c)
	if err != nil {
		return errors.Wrap(err, "unable to initialize registry")
	}
	defer registry.Close()

	m := metrics.New(c)
	defer m.Close()

	server, err := app.NewApp(ctx, c, registry, m)
	if err != nil {
		return errors.Wrap(err, "unable to initialize app server")
	}
	return server.Run()
}

// newEngine builds only the backend a launch needs so unused backends need no credentials.
func newEngine(ctx context.Context, c *config.Config, backend xm.Backend) (engines.Engine, error) {
	switch backend {
	case xm.LocalBackend:
		return local.NewLocalEngine(c)
	case xm.ManagedCloudBackend:
		return cloud.NewManagedCloudEngine(ctx, c)
	default:
		return kubernetes.NewKubernetesEngine(c)
	}
}

func runLaunch(ctx context.Context, c *config.Config) error {
	f, err := launch.ReadFile(*launchFile)
	if err != nil {
		return err
	}
	spec, err := f.ExecutorSpec()
	if err != nil {
		return err
	}
	eng, err := newEngine(ctx, c, spec.Backend())
	if err != nil {
		return errors.Wrapf(err, "unable to initialize %s engine", spec.Backend())
	}

	registry, err := state.NewRegistry(ctx, c)
	if err != nil {
		return errors.Wrap(err, "unable to initialize registry")
	}
	defer registry.Close()

	m := metrics.New(c)
	defer m.Close()

	exp, err := experiment.Create(ctx, registry, f.Title, engines.NewEngines(eng), experiment.WithScope(m.Scope))
	if err != nil {
		return err
	}
	units, launchErr := launch.Run(ctx, exp, f)
	if err := exp.Close(ctx); err != nil {
		return err
	}
	log.WithFields(log.Fields{"experiment": exp.ID(), "work_units": len(units)}).Info("launched")
	if launchErr != nil {
		return launchErr
	}
	if !*launchWait {
		return nil
	}

	publisher, err := events.NewPublisher(c)
	if err != nil {
		return errors.Wrap(err, "unable to initialize event publisher")
	}
	defer publisher.Close()

	wm := workers.NewManager(c, publisher)
	if err := wm.Watch(ctx, exp); err != nil {
		return err
	}
	return wm.Wait()
}

func listExperiments(ctx context.Context, c *config.Config) error {
	registry, err := state.NewRegistry(ctx, c)
	if err != nil {
		return err
	}
	defer registry.Close()

	args := &state.ListArgs{Limit: listLimit, Offset: listOffset}
	if *listTitle != "" {
		args.AddFilter("title", *listTitle)
	}
	it := registry.List(ctx, args)
	for it.Next() {
		e := it.Experiment()
		fmt.Printf("%d\t%s\t%s\n", e.ID, e.CreatedAt.Format("2006-01-02 15:04:05"), e.Title)
	}
	return it.Err()
}

func getExperiment(ctx context.Context, c *config.Config) error {
	registry, err := state.NewRegistry(ctx, c)
	if err != nil {
		return err
	}
	defer registry.Close()

	e, err := registry.Lookup(ctx, *getID)
	if err != nil {
		return err
	}
	units, err := registry.ListWorkUnits(ctx, e.ID)
	if err != nil {
		return err
	}
	return yaml.NewEncoder(os.Stdout).Encode(map[string]interface{}{
		"experiment": e,
		"work_units": units,
	})
}

func manageCluster(ctx context.Context, c *config.Config, create bool) error {
	client, err := kubernetes.NewKubeClient(c)
	if err != nil {
		return errors.Wrap(err, "unable to initialize kubernetes client")
	}
	m := cluster.NewManager(c, client)
	if create {
		return m.Create(ctx)
	}
	return m.Delete(ctx)
}

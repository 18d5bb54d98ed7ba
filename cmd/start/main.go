package start

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mycnet/ramrepl/internal/di"
	"github.com/mycnet/ramrepl/utils"
	"github.com/mycnet/ramrepl/utils/log"
)

const (
	usage                 = "start"
	short                 = "Start a ramrepl memory replication daemon"
	long                  = "This command starts a daemon that receives and applies replicated VM memory pages"
	example               = "ramrepl start --config <path>"
	defaultConfigFilePath = "./ramrepl.yml"
	configDesc            = "set the path for the ramrepl YAML configuration file"
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"boot", "up"},
		Example:    example,
		RunE:       executeStart,
	}
	// configFilePath set flag for a path to the config file.
	configFilePath string
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, configDesc)
}

// executeStart implements the start command.
func executeStart(cmd *cobra.Command, _ []string) error {
	// Attempt to read config file.
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read configuration file: %w", err)
	}

	// Don't output command usage if args are correct.
	cmd.SilenceUsage = true

	log.Info("using %v for configuration", configFilePath)

	var config utils.Config
	if err := config.Parse(data); err != nil {
		return fmt.Errorf("failed to parse configuration file: %w", err)
	}
	utils.InstanceConfig = config

	c := di.NewContainer(&config)

	// Receive replicated pages from primaries.
	pageStreamServer, err := c.GetPageStreamServer()
	if err != nil {
		return fmt.Errorf("failed to start the page stream server: %w", err)
	}

	// Set monitoring handler.
	log.Info("launching prometheus metrics server...")
	http.Handle("/metrics", promhttp.Handler())

	// Spawn a goroutine and listen for a signal.
	const defaultSignalChanLen = 10
	signalChan := make(chan os.Signal, defaultSignalChanLen)
	go func() {
		for s := range signalChan {
			switch s {
			case syscall.SIGUSR1:
				log.Info("dumping stack traces due to SIGUSR1 request")
				if err2 := pprof.Lookup("goroutine").WriteTo(os.Stdout, 1); err2 != nil {
					log.Error("failed to write goroutine pprof: %v", err2)
				}
			case syscall.SIGINT, syscall.SIGTERM:
				log.Info("initiating graceful shutdown due to '%v' request", s)
				if e := c.GetEngine(); e != nil {
					e.Stop()
					log.Info("shutdown replication engine...")
				}
				log.Info("waiting a grace period of %v to shutdown...", config.StopGracePeriod)
				time.Sleep(config.StopGracePeriod)
				pageStreamServer.Stop()
				log.Info("shutdown page stream server...")
				os.Exit(0)
			}
		}
	}()
	signal.Notify(signalChan, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)

	log.Info("launching http listener for the monitoring service...")
	if err := http.ListenAndServe(config.MetricsHost, nil); err != nil {
		return fmt.Errorf("failed to start the monitoring server: %w", err)
	}
	return nil
}

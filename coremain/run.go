package coremain

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/go-viper/mapstructure/v2"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/cacheproxy/mlog"
)

const envPrefix = "CACHEPROXY"

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	port      int
	asService bool
}

var rootCmd = &cobra.Command{
	Use:   "cacheproxy",
	Short: "A forwarding http proxy with an in-memory response cache.",
}

func init() {
	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [port] [-c config_file] [-d working_dir]",
		Short: "Start cacheproxy main program.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				p, err := parsePort(args[0])
				if err != nil {
					return err
				}
				sf.port = p
			}
			if sf.asService {
				svc, err := service.New(&serverService{f: sf}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return svc.Run()
			}
			return StartServer(sf)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(startCmd)
	fs := startCmd.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	fs.MarkHidden("as-service")

	var configFile string
	configCmd := &cobra.Command{
		Use:   "config [-c config_file]",
		Short: "Print the effective config.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			b, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config, %w", err)
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	configCmd.Flags().StringVarP(&configFile, "config", "c", "", "config file")
	rootCmd.AddCommand(configCmd)

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage cacheproxy as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService
	serviceCmd.AddCommand(
		newSvcInstallCmd(),
		newSvcUninstallCmd(),
		newSvcStartCmd(),
		newSvcStopCmd(),
		newSvcRestartCmd(),
		newSvcStatusCmd(),
	)
	rootCmd.AddCommand(serviceCmd)
}

func AddSubCmd(c *cobra.Command) {
	rootCmd.AddCommand(c)
}

func Run() error {
	return rootCmd.Execute()
}

// StartServer runs the proxy until it fails or the process receives
// SIGINT or SIGTERM.
func StartServer(sf *serverFlags) error {
	p, err := prepareProxy(sf)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			mlog.L().Info("signal received, shutting down", zap.Stringer("signal", sig))
			p.Close()
		case <-p.GetSafeClose().ReceiveCloseSignal():
		}
	}()

	if err := p.Run(); err != nil {
		return fmt.Errorf("cacheproxy exited, %w", err)
	}
	return nil
}

func prepareProxy(sf *serverFlags) (*Proxy, error) {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return nil, fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	cfg, fileUsed, err := loadConfig(sf.c)
	if err != nil {
		return nil, fmt.Errorf("fail to load config, %w", err)
	}
	if len(fileUsed) > 0 {
		mlog.L().Info("config loaded", zap.String("file", fileUsed))
	}
	if sf.port > 0 {
		cfg.Server.Port = sf.port
	}
	return NewProxy(cfg)
}

// loadConfig load a config from a file. If filePath is empty, it will
// automatically search a file which name start with "config" and fall back
// to default values if there is none. Every key can be overridden by an
// env var, e.g. CACHEPROXY_SERVER_PORT.
func loadConfig(filePath string) (*Config, string, error) {
	v := viper.New()
	for k, val := range defaultValues {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if len(filePath) > 0 || !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, v.ConfigFileUsed(), nil
}

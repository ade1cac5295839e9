package coremain

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pmkol/cacheproxy/mlog"
)

var (
	svcCfg = &service.Config{
		Name:        "cacheproxy",
		DisplayName: "cacheproxy",
		Description: "A forwarding http proxy with an in-memory response cache.",
	}
	svc service.Service
)

type serverService struct {
	f *serverFlags
	p *Proxy
}

func (ss *serverService) Start(s service.Service) error {
	p, err := prepareProxy(ss.f)
	if err != nil {
		return err
	}
	ss.p = p
	go func() {
		if err := p.Run(); err != nil {
			mlog.L().Error("cacheproxy exited", zap.Error(err))
			os.Exit(1)
		}
	}()
	return nil
}

func (ss *serverService) Stop(s service.Service) error {
	if ss.p != nil {
		ss.p.Close()
	}
	return nil
}

func initService(_ *cobra.Command, _ []string) error {
	s, err := service.New(&serverService{}, svcCfg)
	if err != nil {
		return fmt.Errorf("cannot init service, %w", err)
	}
	svc = s
	return nil
}

func newSvcInstallCmd() *cobra.Command {
	sf := new(serverFlags)
	c := &cobra.Command{
		Use:   "install [-d working_dir] [-c config_file]",
		Short: "Install cacheproxy as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(sf.dir) > 0 {
				absWd, err := filepath.Abs(sf.dir)
				if err != nil {
					return fmt.Errorf("cannot solve absolute working dir path, %w", err)
				}
				sf.dir = absWd
			} else {
				ep, err := os.Executable()
				if err != nil {
					return fmt.Errorf("cannot solve current executable path, %w", err)
				}
				sf.dir = filepath.Dir(ep)
			}
			svcCfg.Arguments = svcArgs(sf)
			s, err := service.New(&serverService{f: sf}, svcCfg)
			if err != nil {
				return fmt.Errorf("cannot init service, %w", err)
			}
			return s.Install()
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	c.Flags().StringVarP(&sf.c, "config", "c", "", "config file")
	c.Flags().StringVarP(&sf.dir, "dir", "d", "", "working dir")
	return c
}

// svcArgs returns the arguments the installed service starts with.
func svcArgs(sf *serverFlags) []string {
	args := []string{"start", "--as-service", "-d", sf.dir}
	if len(sf.c) > 0 {
		args = append(args, "-c", sf.c)
	}
	return args
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall cacheproxy from system service.",
		RunE:  func(cmd *cobra.Command, args []string) error { return svc.Uninstall() },
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start cacheproxy system service.",
		RunE:  func(cmd *cobra.Command, args []string) error { return svc.Start() },
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop cacheproxy system service.",
		RunE:  func(cmd *cobra.Command, args []string) error { return svc.Stop() },
	}
}

func newSvcRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart cacheproxy system service.",
		RunE:  func(cmd *cobra.Command, args []string) error { return svc.Restart() },
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Status of cacheproxy system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := svc.Status()
			if err != nil {
				return fmt.Errorf("cannot get service status, %w", err)
			}
			var out string
			switch s {
			case service.StatusRunning:
				out = "running"
			case service.StatusStopped:
				out = "stopped"
			default:
				out = "unknown"
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

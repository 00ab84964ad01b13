package main

import (
	"fmt"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/avermeil/lifeline/internal/core"
)

// program adapts the App to the system service manager interface.
type program struct {
	cfgPath string
	app     *core.App
}

func (p *program) Start(_ service.Service) error {
	app, err := buildApp(p.cfgPath)
	if err != nil {
		return err
	}
	p.app = app
	return app.Start()
}

func (p *program) Stop(_ service.Service) error {
	if p.app != nil {
		p.app.Stop()
	}
	return nil
}

func serviceCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "service [install|uninstall|start|stop|run]",
		Short: "Run or manage lifeline as a system service",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if cfgPath == "" {
				resolved, err := resolveConfigPath()
				if err != nil {
					return err
				}
				cfgPath = resolved
			}

			svcConfig := &service.Config{
				Name:        "lifeline",
				DisplayName: "lifeline gateway",
				Description: "Self-healing scheduling and delivery gateway",
				Arguments:   []string{"service", "run", "--config", cfgPath},
			}

			prg := &program{cfgPath: cfgPath}
			svc, err := service.New(prg, svcConfig)
			if err != nil {
				return err
			}

			action := args[0]
			switch action {
			case "run":
				return svc.Run()
			case "install", "uninstall", "start", "stop":
				if err := service.Control(svc, action); err != nil {
					return err
				}
				fmt.Printf("service %s: done\n", action)
				return nil
			default:
				return fmt.Errorf("unknown service action %q", action)
			}
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "Path to configuration file")
	return cmd
}

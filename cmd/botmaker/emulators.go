package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	botmaker "github.com/Nobunaga-N/b-maker-sub000"
	"github.com/Nobunaga-N/b-maker-sub000/internal/config"
	"github.com/Nobunaga-N/b-maker-sub000/internal/ldconsole"
	adbprovider "github.com/Nobunaga-N/b-maker-sub000/internal/providers/adb"
)

func newEmulatorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emulators",
		Short: "Manage hypervisor emulator instances",
	}
	cmd.AddCommand(newEmulatorsListCmd(), newEmulatorsStartCmd(), newEmulatorsStopCmd())
	return cmd
}

func newEmulatorManager() (*botmaker.EmulatorManager, error) {
	path := config.String("LDCONSOLE_PATH", "")
	if path == "" {
		return nil, errors.New("LDCONSOLE_PATH not configured")
	}
	transport, err := adbprovider.NewDefault()
	if err != nil {
		return nil, err
	}
	return botmaker.NewEmulatorManager(ldconsole.New(path), transport), nil
}

func newEmulatorsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			em, err := newEmulatorManager()
			if err != nil {
				return err
			}
			instances, err := em.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, inst := range instances {
				state := "stopped"
				if inst.Running {
					state = "running"
				}
				fmt.Printf("%d\t%s\t%s\t%s\n", inst.Index, inst.Name, state, botmaker.EmulatorSerial(inst.Index))
			}
			return nil
		},
	}
}

func newEmulatorsStartCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Launch an instance and wait for boot",
		RunE: func(cmd *cobra.Command, args []string) error {
			em, err := newEmulatorManager()
			if err != nil {
				return err
			}
			ok, err := em.Start(cmd.Context(), index)
			if err != nil {
				return err
			}
			if !ok {
				return errors.Errorf("emulator %d did not boot in time", index)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "instance index")
	return cmd
}

func newEmulatorsStopCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Quit an instance and wait for detach",
		RunE: func(cmd *cobra.Command, args []string) error {
			em, err := newEmulatorManager()
			if err != nil {
				return err
			}
			ok, err := em.Stop(cmd.Context(), index)
			if err != nil {
				return err
			}
			if !ok {
				return errors.Errorf("emulator %d did not stop in time", index)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "instance index")
	return cmd
}

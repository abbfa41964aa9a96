package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	botmaker "github.com/Nobunaga-N/b-maker-sub000"
	adbprovider "github.com/Nobunaga-N/b-maker-sub000/internal/providers/adb"
)

func newDevicesCmd() *cobra.Command {
	var showInfo bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Probe attached devices and print their statuses",
		RunE: func(cmd *cobra.Command, args []string) error {
			transport, err := adbprovider.NewDefault()
			if err != nil {
				return err
			}
			devices := botmaker.NewDeviceManager(transport)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			statuses, err := devices.RefreshStatuses(ctx)
			if err != nil {
				return err
			}
			for serial, status := range statuses {
				if showInfo && status == botmaker.StatusReady {
					info, err := devices.Info(serial, false)
					if err == nil {
						fmt.Printf("%s\t%s\t%s\tAndroid %s\t%dx%d\n", serial, status,
							info.Model, info.OSVersion, info.ScreenWidth, info.ScreenHeight)
						continue
					}
				}
				fmt.Printf("%s\t%s\n", serial, status)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showInfo, "info", false, "also query model, OS version and resolution")
	return cmd
}

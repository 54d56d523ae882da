package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"shusseki/internal/camera"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "利用可能なカメラを一覧表示する",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newCaptureClient(cfg, logger, camera.Options{Notifier: logNotifier{logger}})
		if err != nil {
			return err
		}

		devices, err := client.EnumerateCameras(cmd.Context())
		if err != nil {
			return err
		}
		printDevices(os.Stdout, devices)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

// printDevices はデバイス一覧を表形式で出力する
func printDevices(out io.Writer, devices []camera.DeviceInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tFACING\tMAX RESOLUTION\tMAX FPS")
	fmt.Fprintln(w, "--\t-----\t------\t--------------\t-------")

	for _, d := range devices {
		caps := d.Capabilities()
		facing := string(d.Facing)
		if facing == "" {
			facing = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%dx%d\t%d\n", d.ID, d.Label, facing, caps.MaxWidth, caps.MaxHeight, caps.MaxFrameRate)
	}
	_ = w.Flush()
}

package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "datamachine",
		Short:         "Content automation pipelines: fetch, AI, publish, update",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.json)")

	root.AddCommand(
		serveCMD(&cfgPath),
		workerCMD(&cfgPath),
		migrateCMD(&cfgPath),
		runCMD(&cfgPath),
		scheduleCMD(&cfgPath),
		dedupCMD(&cfgPath),
		seedCMD(&cfgPath),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newLogger(dev bool) (*zap.SugaredLogger, error) {
	logger, err := zap.NewProduction()
	if dev {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, fmt.Errorf("initialize zap logger: %w", err)
	}
	return logger.Sugar(), nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "diskstage",
		Short:         "Disk access stage of a file streaming pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Path to config file")
	root.AddCommand(newReadCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

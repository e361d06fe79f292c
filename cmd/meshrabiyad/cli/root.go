// Package cli wires the meshrabiyad command tree, grounded on the
// teacher's cmd/cli/root.go cobra+viper bootstrap.
package cli

import (
	"context"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	meshlogging "github.com/dreadstar/meshrabiyad/pkg/logging"
)

var log = logging.Logger("cmd")

var (
	cfgFile  string
	logLevel string
	rootCmd  = &cobra.Command{
		Use:   "meshrabiyad",
		Short: "Distributed blob replication daemon",
		Long:  "meshrabiyad ingests blobs, delegates their replication to mesh peers, and serves the loopback upload endpoint peers complete uploads against.",
	}
)

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}

func init() {
	cobra.OnInitialize(initLogging, initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "logging level")

	rootCmd.PersistentFlags().String("data-dir", filepath.Join(lo.Must(os.UserHomeDir()), ".meshrabiya"), "blob store data directory")
	cobra.CheckErr(viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir")))
	cobra.CheckErr(viper.BindEnv("data_dir", "MESHRABIYA_DATA_DIR"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("MESHRABIYA")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		cobra.CheckErr(viper.ReadInConfig())
		return
	}
	viper.SetConfigName("meshrabiyad-config")
	viper.SetConfigType("toml")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig()
}

func initLogging() {
	meshlogging.Bootstrap(logLevel)
}

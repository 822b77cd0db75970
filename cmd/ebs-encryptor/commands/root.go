package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "ebs-encryptor",
	Short: "Find unencrypted EBS volumes and replace them with KMS-encrypted copies",
	Long: `Scans a region for unencrypted, attached EBS volumes and migrates each one
to an encrypted volume: stop the instance, snapshot, copy the snapshot under
the profile's KMS key, swap the new volume in at the same device path, and
start the instance again.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ./config.yaml or $HOME/.ebs-encryptor/config.yaml)")
	rootCmd.PersistentFlags().StringP("profile", "p", "", "Profile to use from the config file")
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/migrations.db", "SQLite journal path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm", "FSM state directory")
	rootCmd.PersistentFlags().String("log-dir", "logs", "Directory receiving per-client log files")
	rootCmd.PersistentFlags().Int("aws-max-attempts", 10, "Max attempts per AWS API request")
	rootCmd.PersistentFlags().Int("limit", 0, "Process at most this many volumes (0 = all)")

	viper.BindPFlag("profile", rootCmd.PersistentFlags().Lookup("profile"))
	viper.BindPFlag("sqlite-path", rootCmd.PersistentFlags().Lookup("sqlite-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("log-dir", rootCmd.PersistentFlags().Lookup("log-dir"))
	viper.BindPFlag("aws-max-attempts", rootCmd.PersistentFlags().Lookup("aws-max-attempts"))
	viper.BindPFlag("limit", rootCmd.PersistentFlags().Lookup("limit"))
}

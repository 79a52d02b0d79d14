package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/oneconcern/compilecache/pkg/config"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "cachectl",
	Short: "cachectl inspects and drives a content-addressed compile-job cache",
	Long: `cachectl operates a content-addressed object store and the action
cache built on top of it: memoizing compiler invocations keyed by their
semantic arguments, independent of where their outputs are written.

It also exposes the CAS directly for debugging: storing and loading raw
objects by their portable id.
`,
}

var casCfg *config.CASConfig

// used to patch over calls to os.Exit() during test
var logFatalln = log.Fatalln
var osExit = os.Exit

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen
// once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		osExit(1)
	}
}

func init() {
	log.SetFlags(0)
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("backend", "", "CAS backend: memory, disk, or plugin (default disk)")
	rootCmd.PersistentFlags().String("path", "", "CAS root directory (disk backend only)")
	rootCmd.PersistentFlags().Uint("branch-bits", 0, "hashed-trie branching factor override")
	rootCmd.PersistentFlags().String("min-file-size", "", "hashed-trie table minimum file size, e.g. 64MiB")
	rootCmd.PersistentFlags().String("max-file-size", "", "hashed-trie table maximum file size, e.g. 4GiB")

	_ = viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
	_ = viper.BindPFlag("path", rootCmd.PersistentFlags().Lookup("path"))
	_ = viper.BindPFlag("branch_bits", rootCmd.PersistentFlags().Lookup("branch-bits"))
	_ = viper.BindPFlag("min_file_size", rootCmd.PersistentFlags().Lookup("min-file-size"))
	_ = viper.BindPFlag("max_file_size", rootCmd.PersistentFlags().Lookup("max-file-size"))
}

// initConfig reads in config file and ENV variables if set, the same
// precedence order the corpus's own rootCmd establishes.
func initConfig() {
	viper.SetDefault("backend", string(config.BackendDisk))
	viper.SetDefault("path", ".cachectl")

	if env := os.Getenv("CACHECTL_CONFIG"); env != "" {
		viper.SetConfigFile(env)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.cachectl")
		viper.AddConfigPath("/etc/cachectl")
		viper.SetConfigName("cachectl")
	}

	viper.SetEnvPrefix("cachectl")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		log.Println("using config file:", viper.ConfigFileUsed())
	}

	var err error
	casCfg, err = config.New()
	if err != nil {
		logFatalln(err)
	}
}

package main

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"slimcache/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:   "slimcache [config-file]",
	Short: "In-memory cache speaking the memcached ASCII protocol",
	Long: `slimcache is a fixed-capacity in-memory cache. Items live in a cuckoo hash
table of equal-sized slots and expire through a timing wheel.

Settings come from the optional YAML config file, then from flags, then from
environment variables named SLIMCACHE_<FLAG> (e.g. SLIMCACHE_LOG_LEVEL=debug).`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.Flags()
	flags.BoolP("version", "v", false, "print the version and exit")
	flags.BoolP("describe-config", "c", false, "print the effective configuration and exit")
	flags.BoolP("describe-stats", "s", false, "print the exported metric names and exit")

	flags.String("host", "", "client listener host")
	flags.Int("port", 0, "client listener port")
	flags.Int("admin-port", 0, "admin HTTP port")
	flags.String("item-size", "", "bytes per slot, key and value included (e.g. 64B)")
	flags.Int("item-count", 0, "number of slots")
	flags.String("max-memory", "", "slab budget when item-count is unset (e.g. 64MB)")
	flags.String("policy", "", "full table policy: evict or reject")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("pid-file", "", "write the process id to this file")
}

// initConfig loads .env files and wires environment variables into viper
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("slimcache")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func runRoot(cmd *cobra.Command, args []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if viper.GetBool("version") {
		fmt.Fprintf(out, "slimcache %s\n", version)
		return nil
	}
	if viper.GetBool("describe-stats") {
		return describeStats(out)
	}

	var path string
	if len(args) == 1 {
		path = args[0]
	}
	cfg, err := loadConfig(path, viper.GetViper())
	if err != nil {
		return err
	}

	if viper.GetBool("describe-config") {
		return cfg.Describe(out)
	}
	return run(cmd.Context(), cfg)
}

// loadConfig reads the file at path and applies flag and environment
// overrides set in v
func loadConfig(path string, v *viper.Viper) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if v.IsSet("host") {
		cfg.Server.Host = v.GetString("host")
	}
	if v.IsSet("port") {
		cfg.Server.Port = v.GetInt("port")
	}
	if v.IsSet("admin-port") {
		cfg.Admin.Port = v.GetInt("admin-port")
	}
	if v.IsSet("item-size") {
		cfg.Cuckoo.ItemSize = v.GetString("item-size")
	}
	if v.IsSet("item-count") {
		cfg.Cuckoo.ItemCount = v.GetInt("item-count")
	}
	if v.IsSet("max-memory") {
		cfg.Cuckoo.MaxMemory = v.GetString("max-memory")
	}
	if v.IsSet("policy") {
		cfg.Cuckoo.Policy = v.GetString("policy")
	}
	if v.IsSet("log-level") {
		cfg.Logging.Level = v.GetString("log-level")
	}
	if v.IsSet("pid-file") {
		cfg.PIDFile = v.GetString("pid-file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "screenctl",
	Short: "screenctl submits and tracks LLM screening batches",
	Long: `screenctl is the command-line client for the screening engine API.

Common workflows:

  Submit a batch and wait for it to finish:
    screenctl submit --file items.json --model gpt-4o-mini --wait

  Check progress and fetch results:
    screenctl status <batch-id>
    screenctl results <batch-id> --output json

  Stop a batch:
    screenctl cancel <batch-id>

Configuration (flags, $HOME/.screenctl.yaml or environment):
  SCREENCTL_URL         API endpoint (default: http://localhost:8080)
  SCREENCTL_TOKEN       bearer token
  SCREENCTL_JWT_SECRET  shared secret, only needed by "screenctl token"`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigName(".screenctl")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SCREENCTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.screenctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:8080", "screening engine base URL")
	_ = viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "bearer token")
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

// apiClient builds a client from the resolved url and token.
func apiClient() (*Client, error) {
	token := viper.GetString("token")
	if token == "" {
		return nil, fmt.Errorf("API token not found: set --token or SCREENCTL_TOKEN")
	}
	return NewClient(viper.GetString("url"), token), nil
}

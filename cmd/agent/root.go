package agent

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/delegate-collector/pkg/config"
	"github.com/delegate-collector/pkg/provider"
)

var (
	cfgFile string
	jobFile string
)

var rootCmd = &cobra.Command{
	Use:   "delegate-collector",
	Short: "Delegate-side time-series and log data collector for deployment verification",
	Long: "Collects metric and log data from APM and log providers for the duration of a verification\n" +
		"job and hands it to a metric sink minute by minute.",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one collection job to completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfigWithCli(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			fmt.Fprintf(os.Stderr, "check the config file path or pass it with -c\n")
			os.Exit(1)
		}
		res, err := Run(cmd.Context(), cfg, jobFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "collection failed to start: %v\n", err)
			os.Exit(1)
		}
		if res.Failed() {
			fmt.Fprintf(os.Stderr, "collection failed: %s\n", res.ErrorMessage)
			os.Exit(2)
		}
		return nil
	},
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List supported providers",
	Run: func(cmd *cobra.Command, args []string) {
		for _, n := range provider.Names() {
			fmt.Fprintln(cmd.OutOrStdout(), n)
		}
	},
}

func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (yaml)")
	initServerFlags(rootCmd)
	initCollectionFlags(rootCmd)
	initLogFlags(rootCmd)

	runCmd.Flags().StringVarP(&jobFile, "job", "j", "", "job definition file (yaml or json)")
	_ = runCmd.MarkFlagRequired("job")

	rootCmd.AddCommand(runCmd, providersCmd)
}

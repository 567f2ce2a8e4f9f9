// seekctl は seek-forge API サーバーにジョブを投げ、進捗を端末に表示する CLI です。
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "seekctl",
	Short:        "seekctl - run seek-forge jobs and follow their progress",
	Long:         `seekctl starts a worker job on a seek-forge API server and renders its progress stream until the job completes, fails, or is cancelled.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newCountCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

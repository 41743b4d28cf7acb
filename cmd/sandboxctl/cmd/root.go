// Package cmd is the operator-facing command line surface: a small
// cobra+viper CLI wrapping the same Facade the embedding framework drives
// through task_init/sample_init, for cleaning up and diagnosing sandbox
// releases by hand.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
	"k8s.io/utils/ptr"

	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "sandboxctl [command] [options]",
	Short: "Operate inspect-k8s-sandbox releases outside of a running task",
	Long: `
sandboxctl manages Helm releases created by inspect-k8s-sandbox.

  # remove one release by name
  sandboxctl cleanup --release inspect-abc123

  # discover and remove every unmanaged sandbox release, with confirmation
  sandboxctl cleanup

  # check that a sandbox pod can reach a host:port
  sandboxctl diagnose --namespace my-ns --pod my-pod --target my-service:80
`,
}

func init() {
	rootCmd.PersistentFlags().String("kubeconfig", "", "path to kubeconfig (defaults to KUBECONFIG/in-cluster config)")
	rootCmd.PersistentFlags().String("namespace", "", "namespace to operate in (defaults to the context's namespace)")
	rootCmd.PersistentFlags().String("context", "", "kubeconfig context to use (defaults to the current context)")
	rootCmd.PersistentFlags().Int("log-level", 0, "klog verbosity (0-9)")
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
	cobra.OnInitialize(initLogging)
}

// Execute runs the CLI, exiting the process with status 1 on failure: this
// tool is expected to be invoked from a shell script or CI step, where a
// non-zero exit is the failure signal.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging() {
	level := viper.GetInt("log-level")
	if level < 0 {
		level = 0
	}
	logging.Init(level, os.Stderr)
	klog.V(0).Infof("sandboxctl logging initialized at level %d", level)
}

func kubeconfigPath() string {
	return viper.GetString("kubeconfig")
}

func contextNameFlag() *string {
	if v := viper.GetString("context"); v != "" {
		return ptr.To(v)
	}
	return nil
}

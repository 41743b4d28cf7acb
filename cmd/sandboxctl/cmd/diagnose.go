package cmd

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/config"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/pkg/kubernetes"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/pkg/podexec"
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Check that a sandbox pod can reach a service from inside the cluster",
	Long: `
diagnose execs into an already-running sandbox pod and attempts to resolve
and reach --target (host:port), the same check an operator would otherwise
have to run by hand with 'kubectl exec ... -- curl'. Useful when a task's
network policy or DNS setup is suspected of breaking outbound sample
traffic.
`,
	RunE: runDiagnose,
}

func init() {
	diagnoseCmd.Flags().String("pod", "", "pod name to exec into (required)")
	diagnoseCmd.Flags().String("container", "", "container name (defaults to the pod's only/first container)")
	diagnoseCmd.Flags().String("target", "", "host:port to check connectivity to (required)")
	_ = diagnoseCmd.MarkFlagRequired("pod")
	_ = diagnoseCmd.MarkFlagRequired("target")
	_ = viper.BindPFlags(diagnoseCmd.Flags())
	rootCmd.AddCommand(diagnoseCmd)
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	target := viper.GetString("target")
	host, _, err := net.SplitHostPort(target)
	if err != nil {
		return fmt.Errorf("invalid --target %q, expected host:port: %w", target, err)
	}

	if _, lookupErr := net.LookupHost(host); lookupErr != nil {
		fmt.Printf("local DNS resolution of %s failed (%v); checking in-cluster...\n", host, lookupErr)
	}

	settings, err := config.Load()
	if err != nil {
		return err
	}
	resolver, err := kubernetes.InitResolver(kubeconfigPath())
	if err != nil {
		return err
	}
	defer resolver.Close()
	podOps := kubernetes.InitPodOpExecutor(settings.MaxPodOps)
	engine := podexec.NewEngine(resolver, podOps, settings, "warn")

	contextName := contextNameFlag()
	namespace := viper.GetString("namespace")
	if namespace == "" {
		namespace, err = resolver.GetDefaultNamespace(contextName)
		if err != nil {
			return err
		}
	}

	podName := viper.GetString("pod")
	container := viper.GetString("container")
	pod := kubernetes.PodInfo{
		Name:                 podName,
		Namespace:            namespace,
		ContextName:          contextName,
		DefaultContainerName: container,
	}

	res, err := engine.Exec(ctx, podexec.Request{
		Pod:     pod,
		Command: []string{"curl", "-v", "-m", "10", target},
	})
	if err != nil {
		return fmt.Errorf("connectivity check failed: %w", err)
	}

	fmt.Printf("in-cluster connectivity check to %s from pod %s:\n", target, podName)
	fmt.Printf("exit code: %d\n", res.ReturnCode)
	if res.Stdout != "" {
		fmt.Printf("stdout:\n%s\n", strings.TrimRight(res.Stdout, "\n"))
	}
	if res.Stderr != "" {
		fmt.Printf("stderr:\n%s\n", strings.TrimRight(res.Stderr, "\n"))
	}
	if res.ReturnCode != 0 {
		return fmt.Errorf("connectivity check to %s exited %d", target, res.ReturnCode)
	}
	return nil
}

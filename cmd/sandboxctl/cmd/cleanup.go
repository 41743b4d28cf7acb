package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/config"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/pkg/kubernetes"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/pkg/sandbox"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Uninstall one release, or discover and remove every unmanaged sandbox release",
	Long: `
With --release, uninstalls exactly that release.

Without --release, discovers every Helm release in the namespace labelled
inspectSandbox=true, whether or not a running task still tracks it,
prints the list, and asks for confirmation before uninstalling them.
Pass --yes to skip the confirmation prompt, e.g. for use in CI cleanup jobs.
`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().String("release", "", "uninstall this release only")
	cleanupCmd.Flags().Bool("yes", false, "skip the confirmation prompt")
	_ = viper.BindPFlag("cleanup.release", cleanupCmd.Flags().Lookup("release"))
	_ = viper.BindPFlag("cleanup.yes", cleanupCmd.Flags().Lookup("yes"))
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	settings, err := config.Load()
	if err != nil {
		return err
	}

	resolver, err := kubernetes.InitResolver(kubeconfigPath())
	if err != nil {
		return err
	}
	defer resolver.Close()

	contextName := contextNameFlag()
	namespace := viper.GetString("namespace")
	if namespace == "" {
		namespace, err = resolver.GetDefaultNamespace(contextName)
		if err != nil {
			return err
		}
	}

	if err := sandbox.ValidatePrerequisites(nil); err != nil {
		return err
	}

	var releaseName *string
	if v := viper.GetString("cleanup.release"); v != "" {
		releaseName = &v
	}

	yes := viper.GetBool("cleanup.yes")
	confirm := func(names []string) bool {
		if yes {
			return true
		}
		return promptConfirm(names)
	}

	return sandbox.CliCleanup(ctx, settings, namespace, contextName, releaseName, confirm)
}

func promptConfirm(names []string) bool {
	fmt.Fprintln(os.Stderr, "The following releases will be uninstalled:")
	for _, n := range names {
		fmt.Fprintf(os.Stderr, "  - %s\n", n)
	}
	fmt.Fprint(os.Stderr, "Proceed? [y/N] ")

	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// Command sandboxctl is the operator-facing CLI for cleaning up and
// diagnosing inspect-k8s-sandbox releases.
package main

import "github.com/UKGovernmentBEIS/inspect-k8s-sandbox/cmd/sandboxctl/cmd"

func main() {
	cmd.Execute()
}

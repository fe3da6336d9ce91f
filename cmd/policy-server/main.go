// Command policy-server evaluates Kubernetes AdmissionReview requests
// against a static set of Kubewarden policies.
package main

import "github.com/kubewarden/policy-server/internal/cmd"

func main() {
	cmd.Execute()
}

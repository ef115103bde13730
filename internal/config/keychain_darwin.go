//go:build darwin

package config

import "os/exec"

// keychainExec reads a generic password from the macOS Keychain via the
// security CLI. The only secret agentiq stores there is the optional
// headless static token.
func keychainExec(service, account string) ([]byte, error) {
	cmd := exec.Command("security", "find-generic-password",
		"-s", service,
		"-a", account,
		"-w",
	)
	return cmd.Output()
}

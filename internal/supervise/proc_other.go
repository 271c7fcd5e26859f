//go:build !unix

package supervise

import "os/exec"

func setProcGroup(*exec.Cmd) {}

func termGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func killGroup(cmd *exec.Cmd) { termGroup(cmd) }

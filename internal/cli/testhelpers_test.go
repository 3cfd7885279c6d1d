package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	cmd := NewRootCmd()
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)

	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

func executeCommand(t *testing.T, cmd *cobra.Command, args []string) (stdout string, err error) {
	t.Helper()

	outBuf := new(bytes.Buffer)
	cmd.SetOut(outBuf)
	cmd.SetErr(outBuf)
	cmd.SetArgs(args)

	err = cmd.Execute()
	return outBuf.String(), err
}

func newTestApp() *appState {
	return &appState{
		fallback:   true,
		noProgress: true,
		now:        time.Now,
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the state of the Bluetooth radio",
	Args:  cobra.NoArgs,
	RunE:  runState,
}

type stateResult struct {
	Radio string `json:"radio"`
}

func runState(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	s, err := openSession(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()

	cmd.SilenceUsage = true

	state, err := s.ctrl.CheckState().Await(ctx)
	if err != nil {
		return err
	}

	if s.json {
		return writeJSON(cmd.OutOrStdout(), stateResult{Radio: state.String()})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Radio: %s\n", radioColor(state).Sprint(state))
	return nil
}

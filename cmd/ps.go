package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/graphboost/graphboost/api"
	"github.com/graphboost/graphboost/format"
)

func ListRunningHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	ps, err := client.ListRunning(cmd.Context())
	if err != nil {
		return err
	}

	var data [][]string
	for _, u := range ps.Units {
		data = append(data, []string{
			u.Identity,
			u.ID[:8],
			u.Signature,
			u.Device,
			format.HumanBytes(u.Size),
			format.HumanTime(u.LastUsedAt, "Never"),
		})
	}

	table := newTable(cmd.OutOrStdout(), "IDENTITY", "ID", "SIGNATURE", "DEVICE", "SIZE", "LAST USED")
	table.AppendBulk(data)
	table.Render()

	s := ps.Stats
	fmt.Fprintf(cmd.OutOrStdout(), "\ncapacity %d, %s hits, %s misses, %d compiles, %d failures, %d evictions, %d bypasses\n",
		ps.Capacity, format.HumanNumber(s.Hits), format.HumanNumber(s.Misses), s.Compiles, s.Failures, s.Evictions, s.Bypasses)
	return nil
}

func CapacityHandler(cmd *cobra.Command, args []string) error {
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("capacity %q is not a number", args[0])
	}

	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	resp, err := client.SetCapacity(cmd.Context(), n)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "capacity set to %d, %d graphs cached\n", resp.Capacity, resp.Units)
	return nil
}

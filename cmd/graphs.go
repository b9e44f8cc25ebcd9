package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/graphboost/graphboost/api"
	"github.com/graphboost/graphboost/format"
	"github.com/graphboost/graphboost/ml/backend/reference"
)

func ListGraphsHandler(cmd *cobra.Command, _ []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	resp, err := client.ListGraphs(cmd.Context())
	if err != nil {
		return err
	}

	table := newTable(cmd.OutOrStdout(), "ROLE", "CHECKPOINT", "NAME", "SIZE", "MODIFIED")
	for _, g := range resp.Graphs {
		table.Append([]string{g.Role, g.Checkpoint, g.Name, format.HumanBytes(g.Size), format.HumanTime(g.ModifiedAt, "Never")})
	}
	table.Render()
	return nil
}

func DeleteGraphHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	req := &api.DeleteGraphRequest{Role: args[0], Checkpoint: args[1], Name: args[2]}
	if err := client.DeleteGraph(cmd.Context(), req); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "deleted '%s/%s/%s'\n", req.Role, req.Checkpoint, req.Name)
	return nil
}

func InspectGraphHandler(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	s, err := reference.Inspect(f)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	w := cmd.OutOrStdout()
	header := newTable(w, "KEY", "VALUE")
	header.AppendBulk([][]string{
		{"compiler", s.Compiler + " " + s.CompilerVersion},
		{"format", strconv.Itoa(s.Version)},
		{"structure", s.Digest[:12]},
		{"device", s.Device},
		{"precision", s.Precision},
		{"dynamic", strconv.FormatBool(s.Dynamic)},
	})
	for i, in := range s.Inputs {
		header.Append([]string{fmt.Sprintf("input %d", i), in.String()})
	}
	if s.Plan != nil {
		header.Append([]string{"deep cache", s.Plan.String()})
	}
	for _, k := range []string{"identity", "signature", "fingerprint"} {
		if v, ok := s.Meta[k]; ok {
			header.Append([]string{k, v})
		}
	}
	header.Render()

	fmt.Fprintln(w)
	layers := newTable(w, "LAYER", "KIND")
	for _, l := range s.Layers {
		layers.Append([]string{l.Name, l.Kind})
	}
	layers.Render()
	return nil
}

package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

// writeJSONResult writes v as the single-line JSON envelope that is the
// default (non --pretty) output format for every pampax command.
func writeJSONResult(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	return enc.Encode(v)
}

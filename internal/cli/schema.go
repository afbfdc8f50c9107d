package cli

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/roach88/batchanchor/internal/chain/eas"
	"github.com/roach88/batchanchor/internal/record"
)

// SchemaOptions holds flags for the schema command.
type SchemaOptions struct {
	*RootOptions
	CSV        string
	RecordFile string
}

// SchemaField is one column in the JSON output of the schema command.
type SchemaField struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Scale int    `json:"scale,omitempty"`
}

// SchemaResult is the output of the schema command.
type SchemaResult struct {
	Definition string        `json:"definition"`
	Fields     []SchemaField `json:"fields"`
	RecordID   string        `json:"record_id,omitempty"`
	Data       string        `json:"data,omitempty"`
}

// NewSchemaCommand creates the schema command.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SchemaOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Derive an EAS record schema from a field table",
		Long: `Read a CSV with FIELD_NAME and FIELD_TYPE columns and print the EAS schema
definition for it. varchar columns become string, decimal(p,s) columns become
uint256 holding the value times 10^s.

With --record, the record is also ABI-encoded against the schema. Values with
more decimal places than their column allows are rejected.

Example:
  batchanchor schema --csv data/schema.csv
  batchanchor schema --csv data/schema.csv --record order.json --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchema(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.CSV, "csv", "", "field table (required)")
	cmd.Flags().StringVar(&opts.RecordFile, "record", "", "file holding a record as JSON to encode")
	_ = cmd.MarkFlagRequired("csv")

	return cmd
}

func runSchema(opts *SchemaOptions, cmd *cobra.Command) error {
	f, err := os.Open(opts.CSV)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open field table", err)
	}
	defer f.Close()

	schema, err := eas.SchemaFromCSV(f)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid field table", err)
	}

	res := SchemaResult{Definition: schema.Definition()}
	for _, fld := range schema {
		res.Fields = append(res.Fields, SchemaField{Name: fld.Name, Type: fld.Type, Scale: fld.Scale})
	}

	if opts.RecordFile != "" {
		data, err := os.ReadFile(opts.RecordFile)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read record", err)
		}
		rec, err := record.Parse(data)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid record", err)
		}
		encoded, err := schema.Encode(rec.Fields)
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("record %s does not fit the schema", rec.ID), err)
		}
		res.RecordID = rec.ID
		res.Data = hexutil.Encode(encoded)
	}

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(w, res)
	}
	fmt.Fprintln(w, res.Definition)
	if opts.Verbose {
		for _, fld := range res.Fields {
			if fld.Scale > 0 {
				fmt.Fprintf(w, "  %s %s (x10^%d)\n", fld.Type, fld.Name, fld.Scale)
			} else {
				fmt.Fprintf(w, "  %s %s\n", fld.Type, fld.Name)
			}
		}
	}
	if res.Data != "" {
		fmt.Fprintf(w, "%s: %s %s\n", okMark("data"), res.RecordID, res.Data)
	}
	return nil
}

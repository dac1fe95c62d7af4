package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/reconcile/internal/conflict"
	"github.com/hyperengineering/reconcile/internal/types"
	"github.com/hyperengineering/reconcile/internal/validation"
)

var (
	resolveFile     string
	resolveStrategy string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve one conflict read from a JSON file",
	Long: `Resolve reads a conflict in the POST /api/v1/resolve format and prints
the resolution. Use --file - to read from stdin. The resolution is recorded
in the conflict logs.`,
	Args: cobra.NoArgs,
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().StringVarP(&resolveFile, "file", "f", "", "Conflict JSON file, or - for stdin")
	resolveCmd.Flags().StringVar(&resolveStrategy, "strategy", "",
		"Override the strategy (smart, lww, local, remote)")
	_ = resolveCmd.MarkFlagRequired("file")
}

func runResolve(cmd *cobra.Command, args []string) error {
	var (
		raw []byte
		err error
	)
	if resolveFile == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(resolveFile)
	}
	if err != nil {
		return fmt.Errorf("read conflict: %w", err)
	}

	var req types.ResolveRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("parse conflict: %w", err)
	}
	if resolveStrategy != "" {
		req.Strategy = resolveStrategy
	}
	if errs := validation.ValidateResolveRequest(req); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Field + " " + e.Message
		}
		return errors.New("invalid conflict: " + strings.Join(msgs, "; "))
	}

	eng, err := openLocalEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	res := eng.smart.ResolveWithStrategy(cmd.Context(), conflict.Data{
		Local:           req.Local,
		Remote:          req.Remote,
		LocalTimestamp:  req.LocalTimestamp,
		RemoteTimestamp: req.RemoteTimestamp,
		DataType:        req.DataType,
		ID:              req.ID,
	}, req.Strategy)
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Winner:   %s\n", res.Winner)
	fmt.Fprintf(out, "Strategy: %s\n", res.Strategy)
	fmt.Fprintf(out, "Reason:   %s\n", res.Reason)
	if res.RequiresManual {
		fmt.Fprintln(out, "Requires manual review.")
	}
	for _, fc := range res.FieldConflicts {
		fmt.Fprintf(out, "  %s -> %s (%s)\n", fc.Field, fc.Winner, fc.Reason)
	}
	for _, v := range res.ValidationErrors {
		fmt.Fprintf(out, "  ! %s\n", v)
	}
	data, err := json.MarshalIndent(res.Data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Fprintf(out, "Data:\n%s\n", data)
	return nil
}

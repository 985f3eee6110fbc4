package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dreamware/mrpeer/internal/client"
	"github.com/dreamware/mrpeer/internal/kernel"
	"github.com/dreamware/mrpeer/internal/rpc"
)

var (
	submitPeerURL string
	submitKernels []string
	submitItems   []string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job to a Peer and stream its progress",
	Long: `submit assembles a TaskSpec and job payload from the given
kernel chain and items, posts them to a Peer's execute endpoint, and
prints each progress message as it streams back, ending with DONE or
ERROR.`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitPeerURL, "peer", "", "Peer RPC URL to submit to (required)")
	submitCmd.Flags().StringArrayVar(&submitKernels, "kernel", nil, "kernel kind to append to the chain, in order (identity|split-words|sum-values|emit-key-mod2|emit-nothing)")
	submitCmd.Flags().StringArrayVar(&submitItems, "item", nil, "an input item (repeatable); each becomes one record the feeder stage emits")
	_ = submitCmd.MarkFlagRequired("peer")
}

var kernelKindsByName = map[string]kernel.Kind{
	"identity":      kernel.KindIdentity,
	"split-words":   kernel.KindSplitWords,
	"sum-values":    kernel.KindSumValues,
	"emit-key-mod2": kernel.KindEmitKeyMod2,
	"emit-nothing":  kernel.KindEmitNothing,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	chain := make([]kernel.Serialized, 0, len(submitKernels))
	for _, name := range submitKernels {
		kind, ok := kernelKindsByName[strings.TrimSpace(name)]
		if !ok {
			return fmt.Errorf("submit: unknown kernel kind %q", name)
		}
		chain = append(chain, kernel.Serialized{Kind: kind})
	}
	if len(chain) == 0 {
		return fmt.Errorf("submit: at least one --kernel is required")
	}

	items := make([][]byte, len(submitItems))
	for i, it := range submitItems {
		items[i] = []byte(it)
	}

	sc, err := client.NewSubmissionContext()
	if err != nil {
		return err
	}

	job := client.Job{Kernels: chain, Items: items}

	ctx := context.Background()
	return client.Submit(ctx, sc, submitPeerURL, job, printProgress)
}

func printProgress(msg rpc.ProgressMessage) error {
	var args map[string]any
	_ = json.Unmarshal(msg.Args, &args)
	fmt.Fprintf(os.Stdout, "%-24s %v\n", msg.Kind, args)
	if msg.Kind == rpc.KindResult {
		if url, ok := args["url"].(string); ok {
			fmt.Fprintln(os.Stdout, "  result stream:", url)
		}
	}
	return nil
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/easeaico/code-pattern-agent/internal/ledger"
)

var verifyChain bool

// suggestCmd runs one full suggestion session.
var suggestCmd = &cobra.Command{
	Use:   "suggest [request...]",
	Short: "Suggest a stored pattern for a request and record it in the ledger",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSuggest,
}

// rankCmd shows how the matcher scores the store for a request.
var rankCmd = &cobra.Command{
	Use:   "rank [request...]",
	Short: "Show the ranked patterns for a request without starting a session",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRank,
}

// verifyCmd checks a receipt against the ledger.
var verifyCmd = &cobra.Command{
	Use:   "verify [receipt-id]",
	Short: "Verify a ledger receipt and print the recorded suggestion",
	Args: func(cmd *cobra.Command, args []string) error {
		if verifyChain {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: runVerify,
}

// seedCmd bulk-loads patterns from a YAML seed file.
var seedCmd = &cobra.Command{
	Use:   "seed [file]",
	Short: "Load patterns from a YAML seed file into the configured store",
	Args:  cobra.ExactArgs(1),
	RunE:  runSeed,
}

func runSuggest(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, bootstrapOptions{ledger: true, autoSeed: true})
	if err != nil {
		return err
	}
	defer a.Close()

	request := strings.Join(args, " ")
	logger.Info("processing request", zap.String("request", request))

	out, err := a.orchestrator().Run(ctx, request)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, out.Suggestion)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "receipt: %s\n", out.Receipt.ID)
	fmt.Fprintf(w, "digest:  %s\n", out.Receipt.Digest)
	return nil
}

func runRank(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx, bootstrapOptions{autoSeed: true})
	if err != nil {
		return err
	}
	defer a.Close()

	request := strings.Join(args, " ")
	results := a.matcher.Rank(request, a.store.All())

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "terms: %s\n", strings.Join(a.matcher.Terms(request), ", "))
	fmt.Fprintln(w, "SCORE\tRELEVANCE\tCOMPLEXITY\tLANGUAGE\tSNIPPET")
	for _, r := range results {
		fmt.Fprintf(w, "%.3f\t%.3f\t%.2f\t%s\t%s\n",
			r.Score, r.Relevance, r.Pattern.Complexity, r.Pattern.Language, firstLine(r.Pattern.Snippet))
	}
	return w.Flush()
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	l, err := ledger.OpenBolt(cfg.LedgerPath, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	w := cmd.OutOrStdout()
	if verifyChain {
		n, err := l.VerifyChain(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "ledger intact: %d entries\n", n)
		return nil
	}

	receipt, err := l.Lookup(args[0])
	if err != nil {
		return err
	}
	content, err := l.Verify(ctx, receipt)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "receipt:   %s\n", receipt.ID)
	fmt.Fprintf(w, "committed: %s\n", receipt.Timestamp.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "digest:    %s\n\n", receipt.Digest)
	fmt.Fprintln(w, content)
	return nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, bootstrapOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := seedFromFile(ctx, a.store, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d patterns (%d total)\n", n, a.store.Len())
	return nil
}

func firstLine(s string) string {
	line, _, cut := strings.Cut(s, "\n")
	if cut {
		return line + " ..."
	}
	return line
}

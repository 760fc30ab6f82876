package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// ─── generate-fines ─────────────────────────────────────────────────────────

func init() {
	rootCmd.AddCommand(generateFinesCmd)
	rootCmd.AddCommand(billMapCmd)
}

var generateFinesCmd = &cobra.Command{
	Use:   "generate-fines",
	Short: "Generate pending fines for every overdue circulation once",
	Long: `Visit every open, overdue circulation without a stop-fines marker and
bill the fines accrued since its last fine. Suitable for cron when the
server's own scheduler is disabled.`,
	Args: cobra.NoArgs,
	RunE: runGenerateFines,
}

func runGenerateFines(cmd *cobra.Command, args []string) error {
	_, handler, err := setup(cmd)
	if err != nil {
		return err
	}
	defer handler.Store.Close()

	run := handler.Scheduler.RunNow(cmd.Context())
	fmt.Fprintf(os.Stdout, "run %s: %s\n", run.ID, run.Status)
	fmt.Fprintf(os.Stdout, "  circulations visited: %d\n", run.Visited)
	fmt.Fprintf(os.Stdout, "  circulations billed:  %d\n", run.Generated)
	fmt.Fprintf(os.Stdout, "  fines created:        %d\n", run.FinesCreated)
	if run.Error != "" {
		return errors.New(run.Error)
	}
	if run.Failed > 0 {
		return fmt.Errorf("%d circulations failed, see log", run.Failed)
	}
	return nil
}

// ─── bill-map ───────────────────────────────────────────────────────────────

var billMapCmd = &cobra.Command{
	Use:   "bill-map XACT_ID",
	Short: "Show how payments settled each billing of a transaction",
	Args:  cobra.ExactArgs(1),
	RunE:  runBillMap,
}

type billMapLine struct {
	BillingID   int64  `json:"billing_id"`
	BillingType string `json:"billing_type"`
	Amount      string `json:"amount"`
	Adjusted    string `json:"adjusted"`
	Paid        string `json:"paid"`
	Remaining   string `json:"remaining"`
}

func runBillMap(cmd *cobra.Command, args []string) error {
	xactID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid transaction id %q: %w", args[0], err)
	}

	_, handler, err := setup(cmd)
	if err != nil {
		return err
	}
	defer handler.Store.Close()

	maps, err := handler.Ledger.BillPaymentMap(cmd.Context(), xactID)
	if err != nil {
		return err
	}

	lines := make([]billMapLine, 0, len(maps))
	for _, m := range maps {
		lines = append(lines, billMapLine{
			BillingID:   m.Bill.ID,
			BillingType: m.Bill.BillingType,
			Amount:      m.BillAmount.String(),
			Adjusted:    m.AdjustmentAmount.String(),
			Paid:        m.PaidAmount().String(),
			Remaining:   m.Remaining().String(),
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(lines)
}

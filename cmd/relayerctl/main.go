// Command relayerctl is the operator's read/inspect tool: it opens the
// same Pebble store the daemon writes to and lets an operator list
// relayers' transactions, inspect one record, and page through history
// without going through the HTTP API.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/peterh/liner"
	"github.com/urfave/cli/v2"

	"github.com/chainrelayer/relayer/internal/txstore"
	"github.com/chainrelayer/relayer/internal/txtypes"
)

// stdout is wrapped with go-colorable so ANSI status colors render
// correctly on Windows consoles too, matching how the daemon's own
// logger picks its writer.
var stdout = colorable.NewColorableStdout()

func statusColor(status txtypes.Status) *color.Color {
	switch status {
	case txtypes.StatusConfirmed:
		return color.New(color.FgGreen)
	case txtypes.StatusFailed, txtypes.StatusExpired, txtypes.StatusCancelled:
		return color.New(color.FgRed)
	case txtypes.StatusReplaced:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

func colorizeStatus(status txtypes.Status) string {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return string(status)
	}
	return statusColor(status).Sprint(string(status))
}

func main() {
	app := &cli.App{
		Name:  "relayerctl",
		Usage: "inspect a relayer's transaction store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "store", Aliases: []string{"s"}, Required: true, Usage: "path to the pebble store directory"},
		},
		Commands: []*cli.Command{
			listCommand(),
			showCommand(),
			shellCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "relayerctl:", err)
		os.Exit(1)
	}
}

func openStore(c *cli.Context) (*txstore.Store, error) {
	return txstore.Open(c.String("store"))
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "list transactions for a relayer, optionally filtered by status",
		ArgsUsage: "<relayer-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "status", Usage: "filter to one status (pending, submitted, mined, confirmed, failed, replaced, expired, cancelled)"},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 1 {
				return fmt.Errorf("usage: relayerctl list <relayer-id>")
			}
			relayerID := c.Args().Get(0)

			store, err := openStore(c)
			if err != nil {
				return err
			}
			defer store.Close()

			var recs []txtypes.Record
			if status := c.String("status"); status != "" {
				recs, err = store.ByRelayerStatus(relayerID, txtypes.Status(status))
			} else {
				recs, err = store.ByRelayer(relayerID)
			}
			if err != nil {
				return err
			}

			printRecordTable(stdout, recs)
			return nil
		},
	}
}

func showCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "show one transaction by id",
		ArgsUsage: "<transaction-id>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 1 {
				return fmt.Errorf("usage: relayerctl show <transaction-id>")
			}

			store, err := openStore(c)
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.Get(c.Args().Get(0))
			if err != nil {
				return err
			}
			printRecordDetail(stdout, *rec)
			return nil
		},
	}
}

// shellCommand opens a small interactive REPL over the same store, for an
// operator poking around a long-lived session instead of re-invoking the
// binary per lookup.
func shellCommand() *cli.Command {
	return &cli.Command{
		Name:  "shell",
		Usage: "interactive REPL: list <relayer-id> | show <tx-id> | quit",
		Action: func(c *cli.Context) error {
			store, err := openStore(c)
			if err != nil {
				return err
			}
			defer store.Close()

			line := liner.NewLiner()
			defer line.Close()
			line.SetCtrlCAborts(true)

			for {
				input, err := line.Prompt("relayerctl> ")
				if err != nil {
					break
				}
				line.AppendHistory(input)
				if !dispatchShellLine(store, strings.TrimSpace(input)) {
					break
				}
			}
			return nil
		},
	}
}

func dispatchShellLine(store *txstore.Store, input string) bool {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return true
	}

	switch fields[0] {
	case "quit", "exit":
		return false
	case "list":
		if len(fields) < 2 {
			fmt.Println("usage: list <relayer-id>")
			return true
		}
		recs, err := store.ByRelayer(fields[1])
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return true
		}
		printRecordTable(stdout, recs)
	case "show":
		if len(fields) < 2 {
			fmt.Println("usage: show <transaction-id>")
			return true
		}
		rec, err := store.Get(fields[1])
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return true
		}
		printRecordDetail(stdout, *rec)
	default:
		fmt.Println("unknown command:", fields[0])
	}
	return true
}

func printRecordTable(w io.Writer, recs []txtypes.Record) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Transaction ID", "Chain", "Status", "Nonce/Seq", "Tx Hash", "Created"})
	for _, r := range recs {
		table.Append([]string{
			r.TransactionID,
			string(r.Request.Chain),
			colorizeStatus(r.Status),
			strconv.FormatUint(r.Assignment.NonceOrSequence, 10),
			r.Assignment.TxHash,
			r.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	table.Render()
}

func printRecordDetail(w io.Writer, r txtypes.Record) {
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	fmt.Fprintf(bw, "transaction_id: %s\n", r.TransactionID)
	fmt.Fprintf(bw, "relayer_id:     %s\n", r.RelayerID)
	fmt.Fprintf(bw, "chain:          %s\n", r.Request.Chain)
	fmt.Fprintf(bw, "status:         %s\n", colorizeStatus(r.Status))
	fmt.Fprintf(bw, "nonce/sequence: %d\n", r.Assignment.NonceOrSequence)
	fmt.Fprintf(bw, "tx_hash:        %s\n", r.Assignment.TxHash)
	fmt.Fprintf(bw, "created_at:     %s\n", r.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	if r.FailureReason != "" {
		fmt.Fprintf(bw, "failure_reason: %s\n", r.FailureReason)
	}
	fmt.Fprintf(bw, "attempts:       %d\n", len(r.History))
	for _, h := range r.History {
		fmt.Fprintf(bw, "  [%d] hash=%s endpoint=%s submitted=%s\n", h.AttemptIndex, h.Hash, h.RPCEndpoint, h.SubmittedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
}

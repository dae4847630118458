package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/transfer"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

const (
	conflictPolicyAsk = "ask"
	hiddenValue       = "(hidden)"
)

var (
	errPromptRequiresTerminal = errors.New("--on-conflict=ask requires an interactive terminal; use skip or update")
	errPromptWithStdinInput   = errors.New("--on-conflict=ask cannot be combined with reading the file from stdin")
)

func newImportCommand() *cobra.Command {
	var onConflict string
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import a transfer file, reconciling records that share an identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), args[0], onConflict, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&onConflict, "on-conflict", conflictPolicyAsk, "Conflict policy: ask, skip or update")
	return cmd
}

func runImport(ctx context.Context, path, policy string, in io.Reader, out io.Writer) error {
	if path == "-" && strings.EqualFold(strings.TrimSpace(policy), conflictPolicyAsk) {
		return errPromptWithStdinInput
	}
	decisions, err := decisionSource(policy, in, out)
	if err != nil {
		return err
	}

	text, err := readTransferFile(path, in)
	if err != nil {
		return err
	}

	app, err := openApplication()
	if err != nil {
		return err
	}
	defer app.Close()

	pipeline, err := reconcile.NewPipeline(reconcile.PipelineConfig{
		Store:     app.store,
		Decisions: decisions,
		Resolver:  app.resolver(),
		Locker:    app.locker(),
		Logger:    app.logger,
	})
	if err != nil {
		return err
	}

	summary, runErr := pipeline.Run(ctx, transfer.Parse(text))
	fmt.Fprintln(out, renderSummary(summary))
	return runErr
}

func decisionSource(policy string, in io.Reader, out io.Writer) (reconcile.DecisionSource, error) {
	if strings.EqualFold(strings.TrimSpace(policy), conflictPolicyAsk) {
		if !isTerminal(in) {
			return nil, errPromptRequiresTerminal
		}
		return newPromptDecisions(in, out), nil
	}
	action, err := reconcile.ParseAction(policy)
	if err != nil {
		return nil, fmt.Errorf("--on-conflict: %w", err)
	}
	return reconcile.FixedDecision(action), nil
}

func readTransferFile(path string, in io.Reader) (string, error) {
	if path == "-" {
		content, err := io.ReadAll(in)
		return string(content), err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

func isTerminal(reader io.Reader) bool {
	file, ok := reader.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// promptDecisions asks on the terminal how to settle each conflict.
type promptDecisions struct {
	lines <-chan string
	out   io.Writer
}

func newPromptDecisions(in io.Reader, out io.Writer) *promptDecisions {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return &promptDecisions{lines: lines, out: out}
}

func (p *promptDecisions) ResolveConflict(ctx context.Context, conflict reconcile.Conflict) (reconcile.Resolution, error) {
	fmt.Fprintf(p.out, "\nConflict %d in %s: an account with this %s already exists.\n",
		conflict.Sequence, conflict.CollectionName, transfer.Label(conflict.IdentifierField))
	fmt.Fprintln(p.out, renderConflict(conflict))
	for {
		fmt.Fprint(p.out, "[u]pdate, [s]kip, [U]pdate all, [S]kip all: ")
		select {
		case <-ctx.Done():
			return reconcile.Resolution{}, ctx.Err()
		case line, ok := <-p.lines:
			if !ok {
				return reconcile.Resolution{}, io.ErrUnexpectedEOF
			}
			if resolution, ok := parseDecision(line); ok {
				return resolution, nil
			}
			fmt.Fprintln(p.out, "Please answer u, s, U or S.")
		}
	}
}

func parseDecision(input string) (reconcile.Resolution, bool) {
	switch strings.TrimSpace(input) {
	case "u", "update":
		return reconcile.Resolution{Action: reconcile.ActionUpdate}, true
	case "s", "skip":
		return reconcile.Resolution{Action: reconcile.ActionSkip}, true
	case "U", "update all":
		return reconcile.Resolution{Action: reconcile.ActionUpdate, ApplyToAll: true}, true
	case "S", "skip all":
		return reconcile.Resolution{Action: reconcile.ActionSkip, ApplyToAll: true}, true
	default:
		return reconcile.Resolution{}, false
	}
}

func renderConflict(conflict reconcile.Conflict) string {
	names := vault.MergeSchema(conflict.Existing.Fields.Names(), conflict.Incoming)
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		existing, _ := conflict.Existing.Fields.Get(name)
		incoming, _ := conflict.Incoming.Get(name)
		if name == vault.FieldPassword {
			existing = maskSecret(existing)
			incoming = maskSecret(incoming)
		}
		rows = append(rows, []string{transfer.Label(name), existing, incoming})
	}
	return renderTable([]string{"Field", "Existing", "Incoming"}, rows, []columnAlignment{alignLeft, alignLeft, alignLeft})
}

func maskSecret(value string) string {
	if value == "" {
		return ""
	}
	return hiddenValue
}

func renderSummary(summary reconcile.Summary) string {
	rows := [][]string{{
		string(summary.State),
		fmt.Sprint(summary.Created),
		fmt.Sprint(summary.Updated),
		fmt.Sprint(summary.Skipped),
		fmt.Sprint(summary.CollectionsTouched),
	}}
	return renderTable(
		[]string{"State", "Created", "Updated", "Skipped", "Collections"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
	)
}

package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"windowgate/internal/alerts"
	"windowgate/internal/identity"
	"windowgate/internal/logging"
)

// Show prints registered alerts with their evaluation state.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var records []alerts.Record
	if opts.Owner != "" {
		records, err = store.ListAlertsByOwner(ctx, identity.HashCredential(opts.Owner))
	} else {
		records, err = store.ListAlerts(ctx)
	}
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}
	if opts.Limit > 0 && len(records) > opts.Limit {
		records = records[:opts.Limit]
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tOwner\tPlan\tType\tThreshold\tWindow\tSymbol\tLast Trigger (UTC)\tBaseline\tDescription")

	for _, rec := range records {
		def := alerts.DefinitionOf(rec.Alert)
		lastTrigger := "-"
		if rec.State.LastTriggerAt != nil {
			lastTrigger = rec.State.LastTriggerAt.UTC().Format(time.RFC3339)
		}
		baseline := "-"
		if rec.State.LastBaseline != nil {
			baseline = fmt.Sprintf("%.0f", *rec.State.LastBaseline)
		}
		symbol := def.Symbol
		if symbol == "" {
			symbol = "*"
		}
		description := def.Description
		if !rec.Valid() {
			description = "invalid: " + rec.Err.Error()
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%g\t%dm\t%s\t%s\t%s\t%s\n",
			rec.Alert.ID,
			logging.Fingerprint(rec.Alert.OwnerHash),
			rec.Alert.Plan,
			def.Type,
			def.Threshold,
			def.WindowMinutes,
			symbol,
			lastTrigger,
			baseline,
			sanitizeInline(description),
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

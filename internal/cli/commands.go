package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/imarsiglia/outboxsync"
	"github.com/imarsiglia/outboxsync/internal/app"
	"github.com/imarsiglia/outboxsync/readmodel"
)

// NewStatusCommand prints queue counts and, with -v, every item.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, store, err := opts.openEngine(cmd, nil, nil)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			p, err := engine.Progress(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return writeJSON(out, p)
			}
			fmt.Fprintf(out, "pending=%d in_progress=%d failed=%d succeeded=%d total=%d active=%t\n",
				p.Pending, p.InProgress, p.Failed, p.Succeeded, p.Total, p.Active)
			if s := p.FailedSummary(); s != "" {
				fmt.Fprintln(out, s)
			}
			if !opts.Verbose {
				return nil
			}
			items, err := store.ReadQueue(cmd.Context())
			if err != nil {
				return err
			}
			return writeItems(out, items)
		},
	}
}

// NewEnqueueCommand queues one mutation.
func NewEnqueueCommand(opts *RootOptions) *cobra.Command {
	var (
		scope    string
		id       string
		clientID string
		fields   []string
		meta     map[string]string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <create|update|delete> <entity>",
		Short: "Queue a mutation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := parseFields(fields)
			if err != nil {
				return err
			}
			op := outboxsync.Op(args[0])
			payload := outboxsync.Payload{
				Entity:   args[1],
				Scope:    scope,
				ID:       outboxsync.ServerID(id),
				ClientID: clientID,
				Body:     body,
				Meta:     meta,
			}
			if op == outboxsync.OpCreate {
				if payload.ClientID == "" {
					payload.ClientID = outboxsync.NewClientID()
				}
				now := time.Now().UTC()
				payload.ClientCreatedAt = &now
			}

			engine, store, err := opts.openEngine(cmd, nil, nil)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			it := outboxsync.NewItem(op, payload)
			if err := engine.Enqueue(cmd.Context(), it); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return writeJSON(out, map[string]string{"uid": it.UID, "clientId": payload.ClientID})
			}
			fmt.Fprintf(out, "enqueued %s %s uid=%s\n", op, payload.Entity, it.UID)
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "scope the entity lives in")
	cmd.Flags().StringVar(&id, "id", "", "server id (update, delete)")
	cmd.Flags().StringVar(&clientID, "client-id", "", "client id of the optimistic record")
	cmd.Flags().StringArrayVarP(&fields, "field", "f", nil, "body field as key=value (repeatable)")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "metadata passed to the transport")
	return cmd
}

// NewRetryCommand resets failed items to pending.
func NewRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Move failed items back to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, store, err := opts.openEngine(cmd, nil, nil)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			n, err := engine.ResetFailed(cmd.Context())
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), opts.Format, "reset", n)
		},
	}
}

// NewArchiveCommand moves failed items to the archive.
func NewArchiveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Archive failed items and remove them from the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, store, err := opts.openEngine(cmd, nil, nil)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			n, err := engine.ArchiveFailed(cmd.Context())
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), opts.Format, "archived", n)
		},
	}
}

// NewArchivedCommand lists archived items.
func NewArchivedCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "archived",
		Short: "List archived items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := opts.openEngine(cmd, nil, nil)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			archived, err := store.ReadArchive(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return writeJSON(out, archived)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ARCHIVED AT\tUID\tOP\tENTITY\tERROR")
			for _, a := range archived {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					a.ArchivedAt.Format(time.RFC3339), a.Item.UID, a.Item.Op, a.Item.Payload.Entity, a.Item.LastError)
			}
			return tw.Flush()
		},
	}
}

// NewDrainCommand runs one drain against the configured remote.
func NewDrainCommand(opts *RootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Send queued items to the server once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			remote, err := app.NewRemote(ctx, opts.cfg)
			if err != nil {
				return err
			}
			cache := readmodel.New(remote.Lister, readmodel.Options{})
			engine, store, err := opts.openEngine(cmd, remote.Service, cache)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := engine.ProcessQueueOnce(ctx); err != nil {
				return err
			}
			p, err := engine.Progress(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return writeJSON(out, p)
			}
			fmt.Fprintf(out, "drained: pending=%d failed=%d\n", p.Pending, p.Failed)
			if s := p.FailedSummary(); s != "" {
				fmt.Fprintln(out, s)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort the drain after this long (0 = no limit)")
	return cmd
}

func report(w io.Writer, format, verb string, n int) error {
	if format == "json" {
		return writeJSON(w, map[string]int{verb: n})
	}
	_, err := fmt.Fprintf(w, "%s %d items\n", verb, n)
	return err
}

func writeItems(w io.Writer, items []outboxsync.Item) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UID\tOP\tENTITY\tSTATUS\tATTEMPTS\tERROR")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			it.UID, it.Op, it.Payload.Entity, it.Status, it.Attempts, it.LastError)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

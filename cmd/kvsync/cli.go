package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/breez/kv-sync/kv"
	"github.com/breez/kv-sync/syncer"
)

var errUsage = errors.New("invalid usage")

func parseResolver(name string) (syncer.Resolver, error) {
	switch name {
	case "timestamp":
		return syncer.TimestampResolver{}, nil
	case "remote":
		return syncer.RemoteWins, nil
	case "local":
		return syncer.LocalWins, nil
	}
	return nil, fmt.Errorf("unknown resolver %q", name)
}

type cli struct {
	coordinator *syncer.Coordinator
	out         io.Writer
}

func (c *cli) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, args := args[0], args[1:]
	switch {
	case cmd == "put" && len(args) == 2:
		rec, err := c.coordinator.Put(ctx, args[0], []byte(args[1]))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%v version %v\n", rec.Key, rec.LocalVersion)
	case cmd == "get" && len(args) == 1:
		rec, err := c.coordinator.Get(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s\n", rec.Value)
	case cmd == "del" && len(args) == 1:
		rec, err := c.coordinator.Delete(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%v deleted at version %v\n", rec.Key, rec.LocalVersion)
	case cmd == "keys" && len(args) == 0:
		recs, err := c.coordinator.Keys(ctx)
		if err != nil {
			return err
		}
		c.printRecords(recs, true)
	case cmd == "history" && len(args) == 1:
		recs, err := c.coordinator.History(ctx, args[0])
		if err != nil {
			return err
		}
		c.printRecords(recs, false)
	case cmd == "sync" && len(args) == 1:
		res := c.coordinator.SyncKey(ctx, args[0])
		c.printResults([]kv.Result{res})
		return res.Err
	case cmd == "sync" && len(args) == 0:
		results, err := c.coordinator.SyncAll(ctx)
		if err != nil {
			return err
		}
		c.printResults(results)
		return syncer.Unresolved(results)
	case cmd == "watch" && len(args) == 0:
		return c.coordinator.Run(ctx)
	default:
		return errUsage
	}
	return nil
}

func (c *cli) printRecords(recs []kv.Record, latest bool) {
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	if latest {
		fmt.Fprintln(w, "KEY\tVERSION\tREMOTE\tSTATE\tUPDATED")
	} else {
		fmt.Fprintln(w, "VERSION\tREMOTE\tSTATE\tUPDATED\tVALUE")
	}
	for _, rec := range recs {
		state := "pending"
		switch {
		case rec.Deleted && rec.Synced():
			state = "deleted"
		case rec.Deleted:
			state = "deleted, pending"
		case rec.Synced():
			state = "synced"
		}
		updated := time.UnixMilli(rec.Time).UTC().Format(time.RFC3339)
		if latest {
			fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\n", rec.Key, rec.LocalVersion, rec.RemoteVersion, state, updated)
		} else {
			fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%s\n", rec.LocalVersion, rec.RemoteVersion, state, updated, rec.Value)
		}
	}
	w.Flush()
}

func (c *cli) printResults(results []kv.Result) {
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tACTION\tDETAIL")
	for _, res := range results {
		switch {
		case res.Failed():
			fmt.Fprintf(w, "%v\tfailed\t%v\n", res.Key, res.Err)
		case res.Conflict != nil:
			fmt.Fprintf(w, "%v\t%v\tconflict, %v won\n", res.Key, res.Action, res.Conflict.Winner)
		default:
			fmt.Fprintf(w, "%v\t%v\t\n", res.Key, res.Action)
		}
	}
	w.Flush()
}

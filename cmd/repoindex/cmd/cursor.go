package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/repoindex/repoindex/internal/backfill"
	"github.com/repoindex/repoindex/internal/common"
	"github.com/repoindex/repoindex/internal/common/logctx"
	"github.com/repoindex/repoindex/internal/eventlog"
	"github.com/repoindex/repoindex/internal/firehose"
	"github.com/repoindex/repoindex/internal/indexer"
	"github.com/repoindex/repoindex/internal/partition"
	"github.com/repoindex/repoindex/internal/pipeline"
)

func cursorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspects and resets the cursors kept in the log",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Prints every cursor of the configured hosts and partitions",
			Args:  cobra.NoArgs,
			RunE: withLog(func(ctx *logctx.Context, cmd *cobra.Command, config pipeline.Configuration, log eventlog.Log, _ []string) error {
				return listCursors(ctx, cmd.OutOrStdout(), config, log)
			}),
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Prints the value of one cursor",
			Args:  cobra.ExactArgs(1),
			RunE: withLog(func(ctx *logctx.Context, cmd *cobra.Command, _ pipeline.Configuration, log eventlog.Log, args []string) error {
				return getCursor(ctx, cmd.OutOrStdout(), log, args[0])
			}),
		},
		&cobra.Command{
			Use:   "reset <key> [value]",
			Short: "Sets a cursor to value, or removes it so that its owner starts over",
			Args:  cobra.RangeArgs(1, 2),
			RunE: withLog(func(ctx *logctx.Context, _ *cobra.Command, _ pipeline.Configuration, log eventlog.Log, args []string) error {
				value := ""
				if len(args) == 2 {
					value = args[1]
				}
				return resetCursor(ctx, log, args[0], value)
			}),
		},
	)
	return cmd
}

type logCommand func(ctx *logctx.Context, cmd *cobra.Command, config pipeline.Configuration, log eventlog.Log, args []string) error

func withLog(f logCommand) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(cmd.Flags())
		if err != nil {
			return err
		}
		log := eventlog.NewRedisLog(redis.NewUniversalClient(config.Redis.AsUniversalOptions()))
		defer log.Close()
		ctx, cancel := common.ContextWithDefaultTimeout()
		defer cancel()
		return f(ctx, cmd, config, log, args)
	}
}

// CursorKeys returns every cursor key the configured roles write, in a stable order.
func CursorKeys(config pipeline.Configuration) []string {
	var keys []string
	for _, h := range config.Firehose.Hosts {
		keys = append(keys, firehose.CursorKey(h.Service))
	}
	for _, h := range config.Backfill.Hosts {
		keys = append(keys, backfill.CursorKey(h.Service))
	}
	for _, stream := range partition.Streams(config.Log.StreamPrefix, config.Log.PartitionCount) {
		keys = append(keys, indexer.CursorKey(stream))
	}
	return keys
}

func listCursors(ctx *logctx.Context, out io.Writer, config pipeline.Configuration, log eventlog.Log) error {
	keys := CursorKeys(config)
	values, err := log.MGet(ctx, keys...)
	if err != nil {
		return errors.WithMessage(err, "reading cursors")
	}
	w := tabwriter.NewWriter(out, 1, 1, 2, ' ', 0)
	for i, key := range keys {
		value := "-"
		if values[i] != nil {
			value = *values[i]
		}
		fmt.Fprintf(w, "%s\t%s\n", key, value)
	}
	return w.Flush()
}

func getCursor(ctx *logctx.Context, out io.Writer, log eventlog.Log, key string) error {
	value, ok, err := log.Get(ctx, key)
	if err != nil {
		return errors.WithMessagef(err, "reading %s", key)
	}
	if !ok {
		return errors.Errorf("cursor %s is not set", key)
	}
	_, err = fmt.Fprintln(out, value)
	return err
}

func resetCursor(ctx *logctx.Context, log eventlog.Log, key string, value string) error {
	if value == "" {
		ctx.Log.Infof("Removing cursor %s", key)
		return log.Del(ctx, key)
	}
	ctx.Log.Infof("Setting cursor %s to %s", key, value)
	return log.Set(ctx, key, value)
}

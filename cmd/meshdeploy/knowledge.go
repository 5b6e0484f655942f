package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshdeploy/pkg/auth"
	"meshdeploy/pkg/knowledge"
	"meshdeploy/pkg/knowledge/syncsvc"
	"meshdeploy/pkg/types"
)

func knowledgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Inspect and reconcile a node's knowledge store",
	}
	cmd.AddCommand(knowledgeDigestCmd(), knowledgeSyncCmd())
	return cmd
}

// dialKnowledge connects to a node's sync service with the fleet token.
func dialKnowledge(target string, timeout time.Duration, logger *zap.Logger) (*syncsvc.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	key, err := cfg.Key()
	if err != nil {
		return nil, err
	}
	return syncsvc.Dial(target, timeout, logger, auth.NewInterceptor(key, logger).DialOption())
}

func knowledgeDigestCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "digest <host:port>",
		Short: "Show the remote Merkle root and entry count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()
			ctx, stop := signalContext()
			defer stop()

			client, err := dialKnowledge(args[0], timeout, logger.Named("knowledge"))
			if err != nil {
				return err
			}
			defer client.Close()

			root, n, err := client.RemoteRoot(ctx)
			if err != nil {
				return err
			}
			last, err := client.LastExchange(ctx)
			if err != nil {
				return err
			}
			out := struct {
				Root         string    `json:"root"`
				Entries      int       `json:"entries"`
				LastExchange time.Time `json:"last_exchange"`
			}{root, n, last}
			if outputJSON {
				return printJSON(out)
			}
			content := strings.Join([]string{
				field("Root", orNone(root), valueStyle),
				field("Entries", fmt.Sprintf("%d", n), valueStyle),
				field("Last exchange", formatTime(last), valueStyle),
			}, "\n")
			fmt.Println(createPanel("KNOWLEDGE "+args[0], "🧠", content, 0))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "per-RPC timeout")
	return cmd
}

func knowledgeSyncCmd() *cobra.Command {
	var (
		timeout time.Duration
		set     []string
	)
	cmd := &cobra.Command{
		Use:   "sync <host:port>",
		Short: "Reconcile local entries with a remote node",
		Long: `Build a local store from --set entries (values are JSON, bare words are
strings), reconcile it with the remote store and print the merged result. Conflicts
are resolved by the remote node's policy.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()
			ctx, stop := signalContext()
			defer stop()

			store := knowledge.NewStore(logger.Named("knowledge"))
			for _, item := range set {
				key, value, err := parseEntry(item)
				if err != nil {
					return err
				}
				if err := store.Add(key, value); err != nil {
					return err
				}
			}

			client, err := dialKnowledge(args[0], timeout, logger.Named("sync"))
			if err != nil {
				return err
			}
			defer client.Close()

			res, err := client.Sync(ctx, store)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(map[string]any{
					"in_sync":   res.InSync,
					"root":      res.Root,
					"conflicts": res.Conflicts,
					"entries":   store.Snapshot(),
				})
			}

			t := newTable("KEY", "VALUE")
			snap := store.Snapshot()
			keys := make([]string, 0, len(snap))
			for k := range snap {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				raw, _ := json.Marshal(snap[k])
				t.Row(k, string(raw))
			}
			header := field("Root", orNone(res.Root), valueStyle) + "\n" +
				field("In sync", fmt.Sprintf("%t", res.InSync), valueStyle) + "\n" +
				field("Conflicts", orNone(strings.Join(res.Conflicts, ", ")), warningValueStyle)
			fmt.Println(createPanel("KNOWLEDGE SYNC", "🧠", header+"\n\n"+t.Render(), 0))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "per-RPC timeout")
	cmd.Flags().StringSliceVar(&set, "set", nil, "local entries, e.g. region=\"eu-west\" or replicas=3")
	return cmd
}

// parseEntry splits key=value; the value is decoded as JSON when possible.
func parseEntry(item string) (string, any, error) {
	key, raw, ok := strings.Cut(item, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", nil, types.ConfigErrorf("invalid entry %q (expected key=value)", item)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return key, raw, nil
	}
	return key, v, nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

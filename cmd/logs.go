// File: cmd/logs.go
package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hpcloud/tail"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/quoteflow/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Keys of the JSON file encoder that are rendered in the line prefix.
var logPrefixKeys = map[string]bool{"ts": true, "level": true, "logger": true, "msg": true, "caller": true, "stacktrace": true}

func newLogsCmd(opts *rootOptions) *cobra.Command {
	var (
		sessionID string
		follow    bool
		file      string
	)
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Prints the service log, optionally for a single session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := file
			if path == "" {
				path = opts.cfg.Logger().LogFile
			}
			if path == "" {
				return fmt.Errorf("no log file configured (set logger.log_file or pass --file)")
			}

			cfg := tail.Config{
				Follow:    follow,
				ReOpen:    follow,
				MustExist: true,
				Logger:    tail.DiscardingLogger,
			}
			t, err := tail.TailFile(path, cfg)
			if err != nil {
				return fmt.Errorf("failed to open log file: %w", err)
			}
			defer t.Cleanup()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					_ = t.Stop()
					return nil
				case line, ok := <-t.Lines:
					if !ok {
						return t.Wait()
					}
					if line.Err != nil {
						return fmt.Errorf("failed to read log file: %w", line.Err)
					}
					if text, keep := renderLogLine(line.Text, sessionID); keep {
						if _, err := io.WriteString(out, text+"\n"); err != nil {
							return err
						}
					}
				}
			}
		},
	}
	logsCmd.Flags().StringVarP(&sessionID, "session", "s", "", "only show entries for this session id")
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new entries as they are written")
	logsCmd.Flags().StringVar(&file, "file", "", "log file to read (default logger.log_file)")
	return logsCmd
}

// renderLogLine turns one JSON log entry into "ts LEVEL logger: msg k=v ...".
// Lines that are not JSON are passed through unless a session filter is set.
func renderLogLine(raw, sessionID string) (string, bool) {
	var entry map[string]interface{}
	if err := json.UnmarshalFromString(raw, &entry); err != nil {
		return raw, sessionID == ""
	}
	if sessionID != "" {
		if id, _ := entry[observability.FieldSessionID].(string); id != sessionID {
			return "", false
		}
	}

	var b strings.Builder
	if ts, ok := entry["ts"].(string); ok {
		b.WriteString(ts)
		b.WriteByte(' ')
	}
	if level, ok := entry["level"].(string); ok {
		b.WriteString(strings.ToUpper(level))
		b.WriteByte(' ')
	}
	if name, ok := entry["logger"].(string); ok && name != "" {
		b.WriteString(name)
		b.WriteString(": ")
	}
	msg, _ := entry["msg"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(entry))
	for k := range entry {
		if !logPrefixKeys[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry[k])
	}
	return b.String(), true
}

package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"screening-engine/internal/domain/model"
	"screening-engine/internal/domain/ports/usecase"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a batch of prompts",
	Long: `Submit a batch of items for screening.

The --file argument holds either a JSON array or JSON lines, each entry shaped
{"item_id": "...", "system_prompt": "...", "prompt": "..."}. Use "-" for stdin.

Example:
  screenctl submit --file items.jsonl --model gpt-4o-mini --task screen
  screenctl submit --file items.json --provider anthropic --model claude-3-5-haiku --labels INCLUDE,EXCLUDE --wait`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		file, _ := flags.GetString("file")
		if file == "" {
			return errors.New("--file is required")
		}
		items, err := readItems(cmd, file)
		if err != nil {
			return err
		}

		in := usecase.SubmitBatchInput{Items: items}
		in.Selection.Provider, _ = flags.GetString("provider")
		in.Selection.Model, _ = flags.GetString("model")
		task, _ := flags.GetString("task")
		in.Task.Type = model.TaskType(task)
		if labels, _ := flags.GetString("labels"); labels != "" {
			in.Task.Labels = strings.Split(labels, ",")
		}
		in.Task.ValidationRetry, _ = flags.GetBool("validation-retry")
		if flags.Changed("temperature") {
			v, _ := flags.GetFloat64("temperature")
			in.Request.Temperature = &v
		}
		in.Request.MaxTokens, _ = flags.GetInt("max-tokens")

		client, err := apiClient()
		if err != nil {
			return err
		}
		id, err := client.Submit(cmd.Context(), in)
		if err != nil {
			return fmt.Errorf("submit failed: %w", err)
		}
		cmd.Printf("Batch submitted: %s (%d items)\n", id, len(items))

		if wait, _ := flags.GetBool("wait"); !wait {
			return nil
		}
		every, _ := flags.GetDuration("poll-interval")
		view, err := waitForBatch(cmd, client, id, every)
		if err != nil {
			return err
		}
		printStatus(cmd, view)
		return nil
	},
}

// readItems accepts a JSON array or JSON lines.
func readItems(cmd *cobra.Command, path string) ([]model.ItemInput, error) {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)

	var items []model.ItemInput
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return items, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	for {
		var it model.ItemInput
		if err := dec.Decode(&it); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("parse %s entry %d: %w", path, len(items)+1, err)
		}
		items = append(items, it)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%s contains no items", path)
	}
	return items, nil
}

func waitForBatch(cmd *cobra.Command, c *Client, id string, every time.Duration) (*model.BatchStatusView, error) {
	if every <= 0 {
		every = 2 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		view, err := c.Status(cmd.Context(), id)
		if err != nil {
			return nil, err
		}
		if view.Status.Terminal() {
			return view, nil
		}
		cmd.Printf("  %s: %d/%d done\n", view.Status, view.Counts.Completed+view.Counts.Error+view.Counts.Cancelled, view.Total)
		select {
		case <-cmd.Context().Done():
			return nil, cmd.Context().Err()
		case <-t.C:
		}
	}
}

func init() {
	flags := submitCmd.Flags()
	flags.StringP("file", "f", "", "items file, JSON array or JSON lines (required)")
	flags.StringP("provider", "p", "", "provider (inferred from the model name when empty)")
	flags.StringP("model", "m", "", "model name (required)")
	flags.String("task", "screen", "task type: screen, extract or assess")
	flags.String("labels", "", "comma-separated label allow-list (defaults per task)")
	flags.Bool("validation-retry", false, "retry once when the answer fails validation")
	flags.Float64("temperature", 0, "sampling temperature")
	flags.Int("max-tokens", 0, "max completion tokens")
	flags.Bool("wait", false, "poll until the batch finishes")
	flags.Duration("poll-interval", 2*time.Second, "poll interval for --wait")

	rootCmd.AddCommand(submitCmd)
}

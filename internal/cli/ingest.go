package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/factlog/internal/client"
	"github.com/lazypower/factlog/internal/engine"
)

const maxLineBytes = 1 << 20

var pushURL string

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.jsonl>",
	Short: "Ingest submissions from a JSONL file directly into the database",
	Long: "Each line is a submission: {\"scope_id\", \"source_ref\", \"item\": {...}}. " +
		"Use - to read stdin. Malformed lines are reported and skipped.",
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

var pushCmd = &cobra.Command{
	Use:   "push <file.jsonl>",
	Short: "Send submissions from a JSONL file to a running server",
	Args:  cobra.ExactArgs(1),
	RunE:  runPush,
}

func init() {
	pushCmd.Flags().StringVar(&pushURL, "url", "", "server URL (default $FACTLOG_URL or http://127.0.0.1:37780)")
}

// ingestTally counts outcomes across a file.
type ingestTally struct {
	created, merged, failed int
}

func (t ingestTally) String() string {
	return fmt.Sprintf("%d created, %d merged, %d failed", t.created, t.merged, t.failed)
}

// eachSubmission decodes path line by line and calls fn for each submission.
// Decode errors are counted as failures and do not stop the scan.
func eachSubmission(path string, t *ingestTally, fn func(engine.Submission) error) error {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var sub engine.Submission
		if err := json.Unmarshal([]byte(text), &sub); err != nil {
			t.failed++
			logger.Warn("ingest.decode.error", zap.Int("line", line), zap.Error(err))
			continue
		}
		if err := fn(sub); err != nil {
			t.failed++
			logger.Warn("ingest.item.error", zap.Int("line", line), zap.Error(err))
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

func (t *ingestTally) add(created bool) {
	if created {
		t.created++
	} else {
		t.merged++
	}
}

func runIngest(cmd *cobra.Command, args []string) error {
	eng, db, err := openEngine()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	var t ingestTally
	err = eachSubmission(args[0], &t, func(sub engine.Submission) error {
		res, err := eng.Ingest(ctx, sub)
		if err != nil {
			return err
		}
		t.add(res.Created)
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), t)
	return nil
}

func runPush(cmd *cobra.Command, args []string) error {
	c := client.New(pushURL)
	ctx := cmd.Context()
	if !c.Healthy(ctx) {
		return fmt.Errorf("server not reachable")
	}

	var t ingestTally
	err := eachSubmission(args[0], &t, func(sub engine.Submission) error {
		res, err := c.Ingest(ctx, sub)
		if err != nil {
			return err
		}
		t.add(res.Created)
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), t)
	return nil
}

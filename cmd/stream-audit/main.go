package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"streamchain/config"
	"streamchain/integrations/exports"
	"streamchain/integrations/journal"
)

const pageSize = 1000

type auditReport struct {
	Entries     uint64            `json:"entries"`
	HeadHash    string            `json:"headHash"`
	Streams     int               `json:"streams"`
	Settlements int               `json:"settlements"`
	Deposits    string            `json:"deposits"`
	Payouts     string            `json:"payouts"`
	Refunds     string            `json:"refunds"`
	Outstanding string            `json:"outstanding"`
	Files       map[string]string `json:"files,omitempty"`
}

type options struct {
	dsn     string
	config  string
	out     string
	formats []string
	stream  string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stream-audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts options
	var formats string
	fs.StringVar(&opts.dsn, "dsn", os.Getenv("STREAM_JOURNAL_DSN"), "journal DSN (sqlite path or postgres:// URL)")
	fs.StringVar(&opts.config, "config", "", "node config to read the journal DSN from when --dsn is unset")
	fs.StringVar(&opts.out, "out", "", "directory for settlement exports; empty skips exports")
	fs.StringVar(&formats, "format", "csv", "comma separated export formats: csv, jsonl, parquet")
	fs.StringVar(&opts.stream, "stream", "", "restrict settlements to one stream id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	for _, f := range strings.Split(formats, ",") {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			opts.formats = append(opts.formats, f)
		}
	}

	report, err := audit(context.Background(), opts)
	if err != nil {
		fmt.Fprintf(stderr, "audit failed: %v\n", err)
		if report == nil {
			return 1
		}
	}
	output, encErr := json.MarshalIndent(report, "", "  ")
	if encErr != nil {
		fmt.Fprintf(stderr, "failed to encode report: %v\n", encErr)
		return 1
	}
	fmt.Fprintln(stdout, string(output))
	if err != nil {
		return 2
	}
	return 0
}

// audit verifies the journal hash chain and exports its settlements. A
// broken chain returns the partial report together with the error.
func audit(ctx context.Context, opts options) (*auditReport, error) {
	dsn := strings.TrimSpace(opts.dsn)
	if dsn == "" && opts.config != "" {
		if _, err := os.Stat(opts.config); err != nil {
			return nil, err
		}
		cfg, err := config.Load(opts.config)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		dsn = strings.TrimSpace(cfg.Journal.DSN)
	}
	if dsn == "" {
		return nil, errors.New("journal DSN required (--dsn, STREAM_JOURNAL_DSN or --config)")
	}
	for _, f := range opts.formats {
		switch f {
		case "csv", "jsonl", "parquet":
		default:
			return nil, fmt.Errorf("unknown export format %q", f)
		}
	}

	db, err := journal.Open(dsn)
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	j, err := journal.New(db, nil)
	if err != nil {
		return nil, err
	}

	report := &auditReport{}
	report.Entries, err = j.Verify(ctx)
	_, report.HeadHash = j.Head()
	if err != nil {
		return report, err
	}

	entries, err := loadEntries(ctx, j, opts.stream)
	if err != nil {
		return nil, err
	}
	rows, err := exports.Settlements(entries)
	if err != nil {
		return nil, err
	}
	sum := exports.Summarize(rows)
	report.Streams = sum.Streams
	report.Settlements = len(rows)
	report.Deposits = sum.Deposits.Dec()
	report.Payouts = sum.Payouts.Dec()
	report.Refunds = sum.Refunds.Dec()
	outstanding, err := sum.Outstanding()
	if err != nil {
		return report, err
	}
	report.Outstanding = outstanding.Dec()

	if opts.out != "" {
		report.Files, err = writeExports(opts.out, opts.formats, rows)
		if err != nil {
			return nil, err
		}
	}
	return report, nil
}

func loadEntries(ctx context.Context, j *journal.Journal, stream string) ([]journal.Entry, error) {
	if stream = strings.TrimSpace(stream); stream != "" {
		return j.StreamEntries(ctx, stream)
	}
	var (
		out   []journal.Entry
		after uint64
	)
	for {
		batch, err := j.Entries(ctx, after, pageSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return out, nil
		}
		out = append(out, batch...)
		after = batch[len(batch)-1].Sequence
	}
}

// writeExports writes one file per format and returns file name to digest.
// Parquet files are not digested.
func writeExports(dir string, formats []string, rows []exports.Settlement) (map[string]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	files := make(map[string]string, len(formats))
	for _, format := range formats {
		switch format {
		case "csv", "jsonl":
			encode := exports.SettlementsCSV
			if format == "jsonl" {
				encode = exports.SettlementsJSONL
			}
			data, digest, err := encode(rows)
			if err != nil {
				return nil, err
			}
			name := "settlements." + format
			if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
				return nil, err
			}
			files[name] = digest
		case "parquet":
			name := "settlements.parquet"
			if err := exports.WriteSettlementsParquet(filepath.Join(dir, name), rows); err != nil {
				return nil, err
			}
			files[name] = ""
		}
	}
	return files, nil
}

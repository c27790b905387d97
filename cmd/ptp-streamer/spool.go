package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/friesr/pi5-ptp/internal/config"
	"github.com/friesr/pi5-ptp/internal/lineprotocol"
	"github.com/friesr/pi5-ptp/internal/spool"
	"github.com/friesr/pi5-ptp/pkg/models"
	"github.com/spf13/cobra"
)

// errLimitReached stops a dump once enough records were printed
var errLimitReached = errors.New("limit reached")

// newSpoolCommand builds the offline spool inspection commands. They read
// segment files directly and never modify the spool.
func newSpoolCommand(configPath *string) *cobra.Command {
	var dir string

	resolveDir := func() (string, error) {
		if dir != "" {
			return dir, nil
		}
		cfg, err := config.LoadFile(*configPath)
		if err != nil {
			return "", fmt.Errorf("failed to load config: %w", err)
		}
		return cfg.Spool.Directory, nil
	}

	cmd := &cobra.Command{
		Use:   "spool",
		Short: "Inspect the on-disk spool",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "spool directory (default: spool.directory from config)")

	statCmd := &cobra.Command{
		Use:   "stat",
		Short: "List spool segments and their sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := resolveDir()
			if err != nil {
				return err
			}
			infos, err := spool.Inspect(d)
			if err != nil {
				return err
			}
			return printStat(cmd.OutOrStdout(), d, infos)
		},
	}

	var (
		limit  int
		format string
		seq    uint64
	)
	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Print spooled records oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "line" {
				return fmt.Errorf("--format must be json or line, got %q", format)
			}
			d, err := resolveDir()
			if err != nil {
				return err
			}
			infos, err := spool.Inspect(d)
			if err != nil {
				return err
			}
			if seq > 0 {
				infos = filterSeq(infos, seq)
				if len(infos) == 0 {
					return fmt.Errorf("segment %d not found in %s", seq, d)
				}
			}
			return dump(cmd.OutOrStdout(), cmd.ErrOrStderr(), infos, format, limit)
		},
	}
	dumpCmd.Flags().IntVarP(&limit, "limit", "n", 0, "stop after this many records (0 = all)")
	dumpCmd.Flags().StringVarP(&format, "format", "f", "json", "output format: json or line")
	dumpCmd.Flags().Uint64Var(&seq, "segment", 0, "dump only the segment with this sequence number")

	cmd.AddCommand(statCmd, dumpCmd)
	return cmd
}

func printStat(w io.Writer, dir string, infos []spool.SegmentInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tBYTES\tMODIFIED\tPATH")

	var total int64
	for _, info := range infos {
		total += info.Size
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", info.Seq, info.Size, info.ModTime.UTC().Format("2006-01-02T15:04:05Z"), info.Path)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d segment(s), %d bytes in %s\n", len(infos), total, dir)
	return err
}

func filterSeq(infos []spool.SegmentInfo, seq uint64) []spool.SegmentInfo {
	for _, info := range infos {
		if info.Seq == seq {
			return []spool.SegmentInfo{info}
		}
	}
	return nil
}

func dump(out, errOut io.Writer, infos []spool.SegmentInfo, format string, limit int) error {
	enc := json.NewEncoder(out)
	printed := 0

	emit := func(rec models.Record) error {
		if limit > 0 && printed >= limit {
			return errLimitReached
		}
		printed++
		if format == "line" {
			line := lineprotocol.Encode(rec)
			_, err := out.Write(append(line, '\n'))
			return err
		}
		return enc.Encode(rec)
	}

	for _, info := range infos {
		corrupt, err := spool.ReadSegment(info.Path, emit)
		if corrupt > 0 {
			fmt.Fprintf(errOut, "%s: skipped %d corrupt line(s)\n", info.Path, corrupt)
		}
		if errors.Is(err, errLimitReached) {
			return nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// Drained or evicted by a running streamer
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

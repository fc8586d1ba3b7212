// Command arcd reads, rebuilds, and patches idx/dat archive pairs.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"arcd/archive"
	"arcd/extract"
	"arcd/patch"
	"arcd/repack"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.New()

func main() {
	app := &cli.App{
		Name:  "arcd",
		Usage: "game archive toolkit",
		Commands: []*cli.Command{
			extractCommand(),
			repackCommand(),
			patchCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func idxFlag() *cli.StringFlag {
	return &cli.StringFlag{Name: "idx", Usage: "index file path", Required: true}
}

func datFlag(required bool) *cli.StringFlag {
	return &cli.StringFlag{Name: "dat", Usage: "data file path", Required: required}
}

func openArchive(c *cli.Context, needDat bool) (*archive.Archive, error) {
	dat := c.String("dat")
	if needDat && dat == "" {
		return nil, errors.New("--dat is required for this command")
	}
	return archive.Open(c.String("idx"), dat)
}

func readList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open list %s", path)
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

func extractCommand() *cli.Command {
	return &cli.Command{
		Name:  "extract",
		Usage: "read an existing archive",
		Flags: []cli.Flag{idxFlag(), datFlag(false)},
		Subcommands: []*cli.Command{
			{
				Name:  "info",
				Usage: "print the archive summary",
				Action: func(c *cli.Context) error {
					arc, err := openArchive(c, false)
					if err != nil {
						return err
					}
					defer arc.Close()
					info := extract.Describe(arc)
					fmt.Printf("page size:    %d\n", info.PageSize)
					fmt.Printf("stripes:      %d\n", info.Stripes)
					for ch, size := range info.ChannelSizes {
						fmt.Printf("channel %d:    %d bytes\n", ch, size)
					}
					fmt.Printf("trie nodes:   %d\n", info.Nodes)
					fmt.Printf("strings:      %d\n", info.Strings)
					fmt.Printf("meta records: %d\n", info.MetaRecords)
					fmt.Printf("fat entries:  %d\n", info.FatEntries)
					return nil
				},
			},
			{
				Name:  "list-dt",
				Usage: "list every directory-trie entry",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "only-files", Usage: "skip entries without a payload"},
				},
				Action: func(c *cli.Context) error {
					arc, err := openArchive(c, false)
					if err != nil {
						return err
					}
					defer arc.Close()
					entries, err := extract.ListDT(arc, c.Bool("only-files"))
					if err != nil {
						return err
					}
					for _, e := range entries {
						fmt.Printf("%d\t%d\t%d\t%d\t%d\t%s\n",
							e.NodeIndex, e.MetaIndex, e.Flags, e.Size, e.StartBlock, e.Path)
					}
					return nil
				},
			},
			{
				Name:  "list-orphans",
				Usage: "list string records no trie node references",
				Action: func(c *cli.Context) error {
					arc, err := openArchive(c, false)
					if err != nil {
						return err
					}
					defer arc.Close()
					orphans, err := extract.ListOrphans(arc)
					if err != nil {
						return err
					}
					for _, o := range orphans {
						fmt.Printf("%d\t%s\n", o.Record, o.Value)
					}
					return nil
				},
			},
			{
				Name:  "compare",
				Usage: "compare the archive directory against a path list",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "full-list", Required: true},
					&cli.StringFlag{Name: "report", Usage: "TSV report path"},
				},
				Action: func(c *cli.Context) error {
					arc, err := openArchive(c, false)
					if err != nil {
						return err
					}
					defer arc.Close()
					list, err := readList(c.String("full-list"))
					if err != nil {
						return err
					}
					rows, err := extract.Compare(arc, list)
					if err != nil {
						return err
					}
					var report *extract.Report
					if path := c.String("report"); path != "" {
						if report, err = extract.NewReport(path); err != nil {
							return err
						}
						defer report.Close()
					}
					for _, r := range rows {
						fmt.Printf("%s\t%s\n", r.Status, r.Path)
						report.Add(r.Status, r.Path)
					}
					return nil
				},
			},
			{
				Name:  "extract-all",
				Usage: "extract every stored payload",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Required: true},
					&cli.BoolFlag{Name: "keep-going"},
					&cli.BoolFlag{Name: "skip-existing"},
				},
				Action: func(c *cli.Context) error {
					arc, err := openArchive(c, true)
					if err != nil {
						return err
					}
					defer arc.Close()
					stats, err := extract.ExtractAll(arc, extract.ExtractOptions{
						OutDir:       c.String("out"),
						KeepGoing:    c.Bool("keep-going"),
						SkipExisting: c.Bool("skip-existing"),
					}, nil, log)
					logStats(stats)
					if err != nil {
						return err
					}
					if stats.Failed > 0 {
						return errors.Errorf("%d files failed", stats.Failed)
					}
					return nil
				},
			},
			{
				Name:  "extract-list",
				Usage: "extract the listed archive paths",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "full-list", Required: true},
					&cli.StringFlag{Name: "out", Required: true},
					&cli.BoolFlag{Name: "keep-going"},
					&cli.BoolFlag{Name: "skip-existing"},
					&cli.StringFlag{Name: "report", Usage: "TSV report path"},
				},
				Action: func(c *cli.Context) error {
					arc, err := openArchive(c, true)
					if err != nil {
						return err
					}
					defer arc.Close()
					list, err := readList(c.String("full-list"))
					if err != nil {
						return err
					}
					var report *extract.Report
					if path := c.String("report"); path != "" {
						if report, err = extract.NewReport(path); err != nil {
							return err
						}
						defer report.Close()
					}
					stats, err := extract.ExtractList(arc, list, extract.ExtractOptions{
						OutDir:       c.String("out"),
						KeepGoing:    c.Bool("keep-going"),
						SkipExisting: c.Bool("skip-existing"),
					}, report, log)
					logStats(stats)
					if err != nil {
						return err
					}
					if stats.Failed > 0 || stats.Missing > 0 {
						return errors.Errorf("%d failed, %d missing", stats.Failed, stats.Missing)
					}
					return nil
				},
			},
		},
	}
}

func logStats(stats extract.ExtractStats) {
	log.WithFields(logrus.Fields{
		"written": stats.Written,
		"skipped": stats.Skipped,
		"missing": stats.Missing,
		"failed":  stats.Failed,
	}).Info("extraction finished")
}

func repackCommand() *cli.Command {
	return &cli.Command{
		Name:  "repack",
		Usage: "build a fresh archive pair from local files",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "in-dir", Usage: "input directory root"},
			&cli.StringFlag{Name: "file-list", Usage: "explicit archive-path list"},
			&cli.StringFlag{Name: "out-idx", Required: true},
			&cli.StringFlag{Name: "out-dat", Required: true},
			&cli.IntFlag{Name: "compress-level", Value: 6},
			&cli.IntFlag{Name: "jobs"},
			&cli.BoolFlag{Name: "auto-tune-jobs"},
			&cli.BoolFlag{Name: "size-schedule"},
			&cli.BoolFlag{Name: "verify"},
		},
		Action: func(c *cli.Context) error {
			level := c.Int("compress-level")
			if level < 1 || level > 9 {
				return errors.Errorf("compress level %d out of range 1..9", level)
			}
			var entries []repack.Entry
			switch {
			case c.String("file-list") != "":
				keys, err := readList(c.String("file-list"))
				if err != nil {
					return err
				}
				entries = repack.EntriesFromList(keys, c.String("in-dir"))
			case c.String("in-dir") != "":
				var err error
				if entries, err = repack.EntriesFromDir(c.String("in-dir")); err != nil {
					return err
				}
			default:
				return errors.New("one of --in-dir or --file-list is required")
			}

			p := repack.New(repack.Options{
				OutIdx:       c.String("out-idx"),
				OutDat:       c.String("out-dat"),
				Level:        level,
				Jobs:         c.Int("jobs"),
				AutoTuneJobs: c.Bool("auto-tune-jobs"),
				SizeSchedule: c.Bool("size-schedule"),
				Verify:       c.Bool("verify"),
			}, log)
			res, err := p.Run(entries)
			if err != nil {
				return err
			}
			if res.VerifyFailures > 0 {
				return errors.Errorf("post-repack verification failed for %d entries", res.VerifyFailures)
			}
			return nil
		},
	}
}

func patchCommand() *cli.Command {
	return &cli.Command{
		Name:  "patch",
		Usage: "replace entries in an existing archive in place",
		Flags: []cli.Flag{
			idxFlag(),
			datFlag(true),
			&cli.StringSliceFlag{Name: "file", Usage: "archive=local mapping, repeatable"},
			&cli.StringFlag{Name: "patch-dir", Usage: "directory of replacement files"},
			&cli.IntFlag{Name: "compress-level", Value: 6},
			&cli.IntFlag{Name: "jobs"},
			&cli.BoolFlag{Name: "dry-run"},
		},
		Action: func(c *cli.Context) error {
			level := c.Int("compress-level")
			if level < 1 || level > 9 {
				return errors.Errorf("compress level %d out of range 1..9", level)
			}
			var reqs []patch.Request
			for _, mapping := range c.StringSlice("file") {
				key, local, ok := strings.Cut(mapping, "=")
				if !ok {
					return errors.Errorf("--file wants archive=local, got %q", mapping)
				}
				reqs = append(reqs, patch.Request{Key: key, LocalPath: local})
			}
			if dir := c.String("patch-dir"); dir != "" {
				dirReqs, err := requestsFromDir(dir)
				if err != nil {
					return err
				}
				reqs = append(reqs, dirReqs...)
			}

			p := patch.New(patch.Options{
				IdxPath: c.String("idx"),
				DatPath: c.String("dat"),
				Level:   level,
				Jobs:    c.Int("jobs"),
				DryRun:  c.Bool("dry-run"),
			}, log)
			_, err := p.Run(reqs)
			return err
		},
	}
}

// requestsFromDir maps every file under dir to the archive key its relative
// path spells.
func requestsFromDir(dir string) ([]patch.Request, error) {
	var reqs []patch.Request
	err := filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		key := strings.ReplaceAll(filepath.ToSlash(rel), "/", `\`)
		reqs = append(reqs, patch.Request{Key: key, LocalPath: path})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk %s", dir)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].Key < reqs[j].Key })
	return reqs, nil
}

// Copyright 2026 The PerfSight Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"perfsight/internal/conf"
	"perfsight/internal/log"
	"perfsight/internal/symbolic"
	"perfsight/pkg/report"
)

func main() {
	app := &cli.App{
		Name:  "perfsight",
		Usage: "symbolize and iterate the samples of a perf recording",
		Commands: []*cli.Command{
			{
				Name:  "report",
				Usage: "print the symbolized samples of a recording",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "record-file", Aliases: []string{"i"}, Value: "perf.data", Usage: "recording to read"},
					&cli.StringFlag{Name: "config", Usage: "TOML config file"},
					&cli.StringFlag{Name: "symfs", Usage: "directory holding copies of the profiled binaries"},
					&cli.StringFlag{Name: "vmlinux", Usage: "uncompressed kernel image for kernel symbols"},
					&cli.StringFlag{Name: "kallsyms", Usage: "kallsyms file for kernel symbols"},
					&cli.BoolFlag{Name: "show-art-frames", Usage: "keep ART interpreter frames in call chains"},
				},
				Action: runReport,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%v", err)
	}
}

func runReport(c *cli.Context) error {
	cfg := conf.Default()
	if path := c.String("config"); path != "" {
		loaded, err := conf.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := log.Init(log.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		return err
	}
	if c.IsSet("symfs") {
		cfg.Symbols.SymFsDir = c.String("symfs")
	}
	if c.IsSet("vmlinux") {
		cfg.Symbols.Vmlinux = c.String("vmlinux")
	}
	if c.IsSet("kallsyms") {
		cfg.Symbols.Kallsyms = c.String("kallsyms")
	}

	ctx, err := newSymbolicContext(cfg)
	if err != nil {
		return err
	}
	reader, err := report.NewReader(ctx, c.String("record-file"))
	if err != nil {
		return err
	}
	reader.SetSuppressArtFrames(!c.Bool("show-art-frames"))

	for {
		sample, err := reader.NextSample()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		printSample(sample)
	}
}

func newSymbolicContext(cfg *conf.Config) (*symbolic.Context, error) {
	ctx := symbolic.NewContext()
	ctx.SetDemangle(cfg.Symbols.Demangle)
	if cfg.Symbols.SymFsDir != "" {
		if err := ctx.Finder.SetSymFsDir(cfg.Symbols.SymFsDir); err != nil {
			return nil, err
		}
	}
	if cfg.Symbols.Vdso32 != "" {
		ctx.Finder.SetVdsoFile(cfg.Symbols.Vdso32, false)
	}
	if cfg.Symbols.Vdso64 != "" {
		ctx.Finder.SetVdsoFile(cfg.Symbols.Vdso64, true)
	}
	if cfg.Symbols.Vmlinux != "" {
		ctx.SetVmlinux(cfg.Symbols.Vmlinux)
	}
	if cfg.Symbols.Kallsyms != "" {
		data, err := os.ReadFile(cfg.Symbols.Kallsyms)
		if err != nil {
			return nil, err
		}
		ctx.SetKallsyms(string(data))
	}
	return ctx, nil
}

func printSample(s *report.Sample) {
	fmt.Printf("%s\t%d/%d [%03d] %d: %d %#x %s (%s)\n",
		s.ThreadComm, s.Pid, s.Tid, s.CPU, s.Time, s.Period, s.IP, s.Symbol.SymbolName, s.Symbol.DsoName)
	for _, entry := range s.CallChain {
		fmt.Printf("\t%#x %s (%s)\n", entry.IP, entry.Symbol.SymbolName, entry.Symbol.DsoName)
	}
}

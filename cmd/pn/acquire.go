// Copyright (c) 2020–2026 The phasenoise developers. All rights reserved.
// Project site: https://github.com/gotmc/phasenoise
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/gotmc/phasenoise"
	"github.com/gotmc/phasenoise/lib/catalog"
	"github.com/gotmc/phasenoise/lib/cmdlog"
	"github.com/gotmc/phasenoise/lib/config"
	"github.com/gotmc/phasenoise/lib/connutil"
	"github.com/gotmc/phasenoise/lib/profile"
	"github.com/gotmc/phasenoise/lib/prologix"
	"github.com/gotmc/phasenoise/lib/session"
	"github.com/gotmc/phasenoise/lib/sweep"
)

func runAcquire(args []string, logger *log.Logger) (err error) {
	fs := pflag.NewFlagSet("acquire", pflag.ContinueOnError)
	com := addCommon(fs)
	conn := connutil.Conn{Logger: logger}
	conn.AddFlags(fs)

	fl := config.Default()
	var caption, out string
	fs.StringVar(&fl.Profile, "profile", fl.Profile, "analyzer profile")
	fs.IntVar(&fl.Sweep.MinDecade, "min", fl.Sweep.MinDecade, "lowest offset decade exponent")
	fs.IntVar(&fl.Sweep.MaxDecade, "max", fl.Sweep.MaxDecade, "highest offset decade exponent")
	fs.Float64Var(&fl.Sweep.CarrierHz, "carrier", 0, "carrier frequency in Hz, 0 to search")
	fs.Float64Var(&fl.Sweep.Multiplier, "mult", fl.Sweep.Multiplier, "external frequency multiplier")
	fs.Float64Var(&fl.Sweep.VBWFactor, "vbw", fl.Sweep.VBWFactor, "VBW as a fraction of RBW")
	fs.Float64Var(&fl.Sweep.ClipDB, "clip", fl.Sweep.ClipDB, "carrier clip above the reference level, dB")
	fs.Float64Var(&fl.Sweep.ExtIFHz, "ext-if", fl.Sweep.ExtIFHz, "external IF in Hz, -1 if none")
	fs.Float64Var(&fl.Sweep.ExtLOHz, "ext-lo", fl.Sweep.ExtLOHz, "external LO in Hz, -1 if none")
	fs.DurationVar(&fl.Sweep.MaxTime, "max-time", 0, "abandon the acquisition after this long")
	fs.DurationVar(&fl.Bus.PollInterval, "poll", fl.Bus.PollInterval, "instrument poll interval")
	fs.StringVar(&caption, "caption", "", "caption stored with the curve")
	fs.StringVarP(&out, "out", "o", "", "output file, default timestamped in the data directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := com.load(logger)
	if err != nil {
		return err
	}
	overlay(fs, map[string]func(){
		"profile":  func() { cfg.Profile = fl.Profile },
		"min":      func() { cfg.Sweep.MinDecade = fl.Sweep.MinDecade },
		"max":      func() { cfg.Sweep.MaxDecade = fl.Sweep.MaxDecade },
		"carrier":  func() { cfg.Sweep.CarrierHz = fl.Sweep.CarrierHz },
		"mult":     func() { cfg.Sweep.Multiplier = fl.Sweep.Multiplier },
		"vbw":      func() { cfg.Sweep.VBWFactor = fl.Sweep.VBWFactor },
		"clip":     func() { cfg.Sweep.ClipDB = fl.Sweep.ClipDB },
		"ext-if":   func() { cfg.Sweep.ExtIFHz = fl.Sweep.ExtIFHz },
		"ext-lo":   func() { cfg.Sweep.ExtLOHz = fl.Sweep.ExtLOHz },
		"max-time": func() { cfg.Sweep.MaxTime = fl.Sweep.MaxTime },
		"poll":     func() { cfg.Bus.PollInterval = fl.Bus.PollInterval },
	})
	if err := cfg.Validate(); err != nil {
		return err
	}
	conn.Merge(cfg.Bus)

	prof, err := profile.Lookup(cfg.Profile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Sweep.MaxTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Sweep.MaxTime)
		defer cancel()
	}

	store, err := catalog.Open(ctx, cfg.CatalogPath())
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	gpib, cleanup, err := conn.Setup(prologix.WithAckQuery(prof.Verbs.Ack))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, cleanup()) }()

	var bus phasenoise.Bus = gpib
	if cfg.Level() <= log.DebugLevel {
		bus = cmdlog.Wrap(gpib, logger)
	}

	sess := session.New(prof,
		session.WithCatalog(store),
		session.WithDirectory(cfg.Storage.DataDirectory),
		session.WithLogger(logger),
	)
	s := cfg.Sweep
	src, err := sess.Acquire(ctx, bus, out,
		sweep.WithSettings(cfg.SweepSettings()),
		sweep.WithCarrier(s.CarrierHz),
		sweep.WithExternalIF(s.ExtIFHz, s.ExtLOHz),
		sweep.WithSmoothLimit(s.SmoothLimit),
		sweep.WithPollInterval(cfg.Bus.PollInterval),
		sweep.WithCaption(caption),
	)
	if err != nil {
		return err
	}

	fmt.Println(headStyle.Render(src.Path))
	fmt.Printf("carrier %sHz at %.2f dBm, %d..%d decades in %s\n",
		humanize.SIWithDigits(src.CarrierHz, 9, ""), src.CarrierDBm,
		src.MinDecade, src.MaxDecade, humanize.FormatFloat("#,###.#", src.ElapsedS)+" s")
	fmt.Printf("curve spans %.1f to %.1f dBc/Hz\n", src.MinDBcHz, src.MaxDBcHz)
	return nil
}

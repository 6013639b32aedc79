// Copyright (c) 2020–2026 The phasenoise developers. All rights reserved.
// Project site: https://github.com/gotmc/phasenoise
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/gotmc/phasenoise/lib/curve"
	"github.com/gotmc/phasenoise/lib/pnp"
	"github.com/gotmc/phasenoise/lib/session"
)

func runReport(args []string, logger *log.Logger) error {
	fs := pflag.NewFlagSet("report", pflag.ContinueOnError)
	com := addCommon(fs)
	var (
		from, to float64
		spots    []float64
		fl       = curve.DefaultSettings()
		algo     string
	)
	fs.Float64Var(&from, "from", 0, "lower integration limit in Hz, default the curve's start")
	fs.Float64Var(&to, "to", 0, "upper integration limit in Hz, default the curve's end")
	fs.Float64SliceVar(&spots, "spot", []float64{1e3, 1e4, 1e5}, "offsets to spot-read")
	fs.IntVar(&fl.Smoothing, "smooth", fl.Smoothing, "smoothing half-width in columns")
	fs.StringVar(&algo, "algo", fl.Algorithm.String(), "smoothing: trailing or symmetric")
	fs.Float64Var(&fl.SpurDB, "spur", fl.SpurDB, "spur threshold in dB, 0 to keep spurs")
	fs.IntVar(&fl.Width, "width", fl.Width, "display columns")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("report needs at least one file")
	}

	cfg, err := com.load(logger)
	if err != nil {
		return err
	}
	settings, err := cfg.DisplaySettings()
	if err != nil {
		return err
	}
	var algErr error
	overlay(fs, map[string]func(){
		"smooth": func() { settings.Smoothing = fl.Smoothing },
		"spur":   func() { settings.SpurDB = fl.SpurDB },
		"width":  func() { settings.Width = fl.Width },
		"algo":   func() { settings.Algorithm, algErr = curve.ParseAlgorithm(algo) },
	})
	if algErr != nil {
		return algErr
	}

	ctx := context.Background()
	sess := session.New(nil, session.WithLogger(logger))
	var errs []error
	for _, path := range fs.Args() {
		if _, err := sess.Open(ctx, path); err != nil {
			errs = append(errs, err)
		}
	}
	for i, src := range sess.Sources() {
		d, err := sess.Display(i, settings)
		if err != nil {
			return err
		}
		report(src, d, from, to, spots, logger)
	}
	return multierr.Combine(errs...)
}

func report(src *pnp.Source, d *curve.Display, from, to float64, spots []float64, logger *log.Logger) {
	fmt.Println(headStyle.Render(src.Path))
	if src.Caption != "" {
		fmt.Println(src.Caption)
	}
	fmt.Println(dimStyle.Render(fmt.Sprintf("%s  %s  carrier %sHz %.2f dBm",
		src.Model, src.Timestamp, humanize.SIWithDigits(src.CarrierHz, 9, ""), src.CarrierDBm)))

	lo, hi, ok := d.Range()
	if !ok {
		logger.Warn("no valid points", "path", src.Path)
		return
	}
	if from > 0 {
		lo = from
	}
	if to > 0 {
		hi = to
	}
	n, err := d.Integrate(lo, hi)
	if err != nil {
		logger.Warn("integration", "path", src.Path, "err", err)
	} else {
		fmt.Println(n)
	}
	if spurs := d.Spurs(); spurs > 0 {
		fmt.Printf("%d spurs suppressed\n", spurs)
	}
	for _, off := range spots {
		if v, ok := d.Spot(off); ok {
			fmt.Printf("  %8sHz  %7.1f dBc/Hz\n", humanize.SIWithDigits(off, 1, ""), v)
		}
	}
	fmt.Println()
}

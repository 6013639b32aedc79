// Copyright (c) 2020–2026 The phasenoise developers. All rights reserved.
// Project site: https://github.com/gotmc/phasenoise
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/gotmc/phasenoise/lib/catalog"
	"github.com/gotmc/phasenoise/lib/find"
	"github.com/gotmc/phasenoise/lib/profile"
	"github.com/gotmc/phasenoise/lib/session"
)

func runCaption(args []string, logger *log.Logger) (err error) {
	fs := pflag.NewFlagSet("caption", pflag.ContinueOnError)
	com := addCommon(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: pn caption FILE TEXT")
	}
	cfg, err := com.load(logger)
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, err := catalog.Open(ctx, cfg.CatalogPath())
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	sess := session.New(nil, session.WithCatalog(store), session.WithLogger(logger))
	if _, err := sess.Open(ctx, fs.Arg(0)); err != nil {
		return err
	}
	return sess.SetCaption(ctx, 0, fs.Arg(1))
}

func runList(args []string, logger *log.Logger) (err error) {
	fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
	com := addCommon(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := com.load(logger)
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, err := catalog.Open(ctx, cfg.CatalogPath())
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	entries, err := store.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, headStyle.Render("RECORDED")+"\tCARRIER\tDECADES\tMODEL\tPATH\tCAPTION")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%sHz\t%d..%d\t%s\t%s\t%s\n",
			humanize.Time(e.RecordedAt), humanize.SIWithDigits(e.CarrierHz, 6, ""),
			e.MinDecade, e.MaxDecade, e.Model, e.Path, e.Caption)
	}
	return tw.Flush()
}

func runProfiles([]string, *log.Logger) error {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, name := range profile.Names() {
		p, err := profile.Lookup(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%d points\t%s\n", headStyle.Render(name), p.Model, p.Points, p.Transfer)
	}
	return tw.Flush()
}

func runPorts([]string, *log.Logger) error {
	ports, err := find.USBPorts()
	if err != nil {
		return err
	}
	for _, p := range ports {
		tag := ""
		switch {
		case find.Prologix(p):
			tag = " (Prologix)"
		case find.AR488(p), find.PiPico(p):
			tag = " (AR488?)"
		}
		fmt.Println(find.Describe(p) + headStyle.Render(tag))
	}
	return nil
}

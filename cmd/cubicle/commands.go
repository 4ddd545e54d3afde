package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/pflag"

	"github.com/cubicle-sh/cubicle/internal/pkgindex"
)

type subcommandFunc func(ctx context.Context, a *app, args []string, stdout, stderr *os.File) error

var subcommands = map[string]subcommandFunc{
	"enter":    cmdEnter,
	"exec":     cmdExec,
	"list":     cmdList,
	"new":      cmdNew,
	"packages": cmdPackages,
	"purge":    cmdPurge,
	"reset":    cmdReset,
	"tmp":      cmdTmp,
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = false

	return fs
}

func cmdEnter(ctx context.Context, a *app, args []string, stdout, stderr *os.File) error {
	fs := newFlagSet("enter")
	if err := fs.Parse(args); err != nil {
		return usageErrorf("enter: %v", err)
	}

	rest := fs.Args()
	if len(rest) != 1 {
		return usageErrorf("usage: cubicle enter NAME")
	}

	return a.engine.Enter(ctx, rest[0])
}

func cmdExec(ctx context.Context, a *app, args []string, stdout, stderr *os.File) error {
	fs := newFlagSet("exec")
	if err := fs.Parse(args); err != nil {
		return usageErrorf("exec: %v", err)
	}

	rest := fs.Args()
	if len(rest) < 2 {
		return usageErrorf("usage: cubicle exec NAME COMMAND [ARG...]")
	}

	return a.engine.Exec(ctx, rest[0], rest[1], rest[2:])
}

func cmdNew(ctx context.Context, a *app, args []string, stdout, stderr *os.File) error {
	fs := newFlagSet("new")
	enter := fs.Bool("enter", false, "enter the environment immediately after creating it")
	packagesSpec := fs.String("packages", "auto", "comma-separated package SPEC, globs allowed, or 'none'")

	if err := fs.Parse(args); err != nil {
		return usageErrorf("new: %v", err)
	}

	rest := fs.Args()
	if len(rest) != 1 {
		return usageErrorf("usage: cubicle new [--enter] [--packages SPEC] NAME")
	}

	packages, err := pkgindex.ExpandSpec(*packagesSpec, a.engine.Index)
	if err != nil {
		return usageErrorf("new: %v", err)
	}

	if err := a.engine.New(ctx, rest[0], packages); err != nil {
		return err
	}

	if *enter {
		return a.engine.Enter(ctx, rest[0])
	}

	return nil
}

func cmdReset(ctx context.Context, a *app, args []string, stdout, stderr *os.File) error {
	fs := newFlagSet("reset")
	clean := fs.Bool("clean", false, "discard the home directory without re-initializing it")
	packagesSpec := fs.String("packages", "", "comma-separated package SPEC, globs allowed, or 'none'")

	if err := fs.Parse(args); err != nil {
		return usageErrorf("reset: %v", err)
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return usageErrorf("usage: cubicle reset [--clean] [--packages SPEC] NAME...")
	}

	var packages map[string]bool

	if *packagesSpec != "" {
		expanded, err := pkgindex.ExpandSpec(*packagesSpec, a.engine.Index)
		if err != nil {
			return usageErrorf("reset: %v", err)
		}

		packages = expanded
	}

	for _, name := range rest {
		if err := a.engine.Reset(ctx, name, packages, *clean); err != nil {
			return err
		}
	}

	return nil
}

func cmdPurge(ctx context.Context, a *app, args []string, stdout, stderr *os.File) error {
	fs := newFlagSet("purge")
	if err := fs.Parse(args); err != nil {
		return usageErrorf("purge: %v", err)
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return usageErrorf("usage: cubicle purge NAME...")
	}

	warnf := func(format string, args ...any) {
		fmt.Fprintf(stderr, "cubicle: "+format+"\n", args...)
	}

	return a.engine.Purge(rest, warnf)
}

func cmdTmp(ctx context.Context, a *app, args []string, stdout, stderr *os.File) error {
	fs := newFlagSet("tmp")
	packagesSpec := fs.String("packages", "auto", "comma-separated package SPEC, globs allowed, or 'none'")

	if err := fs.Parse(args); err != nil {
		return usageErrorf("tmp: %v", err)
	}

	if len(fs.Args()) != 0 {
		return usageErrorf("usage: cubicle tmp [--packages SPEC]")
	}

	packages, err := pkgindex.ExpandSpec(*packagesSpec, a.engine.Index)
	if err != nil {
		return usageErrorf("tmp: %v", err)
	}

	return a.engine.Tmp(ctx, a.generator, packages)
}

func cmdList(ctx context.Context, a *app, args []string, stdout, stderr *os.File) error {
	fs := newFlagSet("list")
	format := fs.String("format", "default", "output format: default, json, or names")

	if err := fs.Parse(args); err != nil {
		return usageErrorf("list: %v", err)
	}

	entries, err := os.ReadDir(a.layout.WorkRoot)
	if err != nil {
		if os.IsNotExist(err) {
			entries = nil
		} else {
			return fmt.Errorf("cubicle: list environments: %w", err)
		}
	}

	names := make([]string, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}

	sort.Strings(names)

	return printNameList(stdout, *format, names)
}

func cmdPackages(ctx context.Context, a *app, args []string, stdout, stderr *os.File) error {
	fs := newFlagSet("packages")
	format := fs.String("format", "default", "output format: default, json, or names")

	if err := fs.Parse(args); err != nil {
		return usageErrorf("packages: %v", err)
	}

	return printNameList(stdout, *format, a.engine.Index.AllNames())
}

func printNameList(out *os.File, format string, names []string) error {
	switch format {
	case "names":
		for _, n := range names {
			fmt.Fprintln(out, n)
		}
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		return enc.Encode(names)
	case "default":
		fmt.Fprintln(out, strings.Join(names, "\n"))
	default:
		return usageErrorf("unknown --format %q (want default, json, or names)", format)
	}

	return nil
}

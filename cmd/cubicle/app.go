package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cubicle-sh/cubicle/internal/buildsched"
	"github.com/cubicle-sh/cubicle/internal/hostpath"
	"github.com/cubicle-sh/cubicle/internal/lifecycle"
	"github.com/cubicle-sh/cubicle/internal/namegen"
	"github.com/cubicle-sh/cubicle/internal/pkgindex"
	"github.com/cubicle-sh/cubicle/internal/sandbox"
	"github.com/cubicle-sh/cubicle/internal/seedcache"
)

// app is the wired-together set of components a single CLI invocation acts
// through, plus the correlation id minted for this invocation's debug trail.
type app struct {
	layout        hostpath.Layout
	engine        *lifecycle.Engine
	generator     namegen.Generator
	correlationID ulid.ULID
	debug         *DebugLogger
}

// newApp discovers the on-disk layout, loads the package index, opens the
// seed cache, selects the Runner implementation, and constructs the
// lifecycle engine used by every subcommand.
func newApp(debugEnabled bool) (*app, error) {
	correlationID := ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy())

	var debugOut io.Writer
	if debugEnabled {
		debugOut = os.Stderr
	}

	logger := NewDebugLogger(debugOut)
	logger.Logf("cubicle: invocation %s", correlationID)

	scriptDir, err := hostpath.ScriptDir()
	if err != nil {
		return nil, fmt.Errorf("cubicle: %w", err)
	}

	env := map[string]string{
		"HOME":           os.Getenv("HOME"),
		"XDG_CACHE_HOME": os.Getenv("XDG_CACHE_HOME"),
		"XDG_DATA_HOME":  os.Getenv("XDG_DATA_HOME"),
	}

	layout, err := hostpath.NewLayout(env, scriptDir)
	if err != nil {
		return nil, fmt.Errorf("cubicle: %w", err)
	}

	index, err := pkgindex.Load(layout.UserPackageRoot, layout.CodePackageRoot)
	if err != nil {
		return nil, fmt.Errorf("cubicle: %w", err)
	}

	cache, err := seedcache.New(layout.PackageCache)
	if err != nil {
		return nil, fmt.Errorf("cubicle: %w", err)
	}

	hostHostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("cubicle: resolve host hostname: %w", err)
	}

	runner, err := sandbox.Select(layout, hostHostname)
	if err != nil {
		return nil, fmt.Errorf("cubicle: %w", err)
	}

	logf := logger.AsDebugf()
	debugf := sandbox.Debugf(func(format string, args ...any) {
		logf("[%s] "+format, append([]any{correlationID}, args...)...)
	})

	scheduler := buildsched.New(index, cache, runner, layout, debugf)

	engine := &lifecycle.Engine{
		Index:     index,
		Cache:     cache,
		Scheduler: scheduler,
		Runner:    runner,
		Layout:    layout,
		Debugf:    debugf,
	}

	generator := namegen.Default{
		CacheFile:  layout.EFFWordlist,
		SystemDict: "/usr/share/dict/words",
	}

	return &app{
		layout:        layout,
		engine:        engine,
		generator:     generator,
		correlationID: correlationID,
		debug:         logger,
	}, nil
}

//go:build linux

package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/cubicle-sh/cubicle/internal/hostpath"
)

// NamespaceRunner runs environments as bubblewrap-confined processes on the
// host, one per invocation, torn down as soon as the process exits.
//
// There is no long-lived state to kill: bwrap is invoked with
// --die-with-parent, so [NamespaceRunner.Kill] is a no-op by construction.
type NamespaceRunner struct {
	Layout hostpath.Layout
	// HostHostname is the outer machine's hostname, suffixed onto the
	// sandbox hostname as "<name>.<HostHostname>".
	HostHostname string
}

// Kill is a no-op: a namespace sandbox dies with its parent process.
func (r *NamespaceRunner) Kill(name string) error {
	return nil
}

// Run builds and executes a single bwrap invocation implementing req.
func (r *NamespaceRunner) Run(ctx context.Context, req RunRequest) error {
	if err := hostpath.EnsureDir(req.HostHome); err != nil {
		return fmt.Errorf("sandbox: ensure home dir: %w", err)
	}

	bwrapPath, err := exec.LookPath("bwrap")
	if err != nil {
		return fmt.Errorf("sandbox: bwrap not found in PATH: %w", err)
	}

	var extraFiles []*os.File

	closeExtra := func() {
		for _, f := range extraFiles {
			_ = f.Close()
		}
	}

	nextFD := func() int { return 3 + len(extraFiles) }

	home := outerHome()

	args := []string{
		"--die-with-parent",
		"--unshare-cgroup", "--unshare-ipc", "--unshare-pid", "--unshare-uts",
		"--hostname", req.Name + "." + r.HostHostname,

		"--symlink", "/usr/bin", "/bin",
		"--symlink", "/usr/sbin", "/sbin",
		"--symlink", "/usr/lib", "/lib",
		"--symlink", "/usr/lib64", "/lib64",
		"--dev", "/dev",
		"--proc", "/proc",
		"--tmpfs", "/tmp",
		"--ro-bind-try", "/etc", "/etc",
		"--ro-bind-try", "/usr", "/usr",
		"--ro-bind-try", "/opt", "/opt",
		"--ro-bind-try", "/var/lib/apt/lists", "/var/lib/apt/lists",
		"--ro-bind-try", "/var/lib/dpkg", "/var/lib/dpkg",

		"--dir", home,
		"--bind", req.HostHome, home,
		"--bind", req.HostWork, home + "/" + req.Name,
		"--dir", home + "/.dev-init",
		"--dir", home + "/bin",
		"--dir", home + "/opt",
		"--dir", home + "/tmp",
	}

	if _, statErr := os.Stat(r.Layout.SeccompBPF); statErr == nil {
		seccompFile, openErr := os.Open(r.Layout.SeccompBPF)
		if openErr != nil {
			return fmt.Errorf("sandbox: open seccomp filter: %w", openErr)
		}

		fd := nextFD()
		extraFiles = append(extraFiles, seccompFile)
		args = append(args, "--seccomp", fmt.Sprint(fd))
	}

	var seedWriter *os.File

	if len(req.Seeds) > 0 {
		seedReader, w, pipeErr := os.Pipe()
		if pipeErr != nil {
			closeExtra()

			return fmt.Errorf("sandbox: create seed pipe: %w", pipeErr)
		}

		seedWriter = w
		fd := nextFD()
		extraFiles = append(extraFiles, seedReader)
		args = append(args, "--ro-bind-data", fmt.Sprint(fd), "/dev/shm/seed.tar")
	}

	var initPathInsideSandbox string

	if req.Init != "" {
		initFile, openErr := os.Open(req.Init)
		if openErr != nil {
			closeExtra()

			return fmt.Errorf("sandbox: open init script: %w", openErr)
		}

		fd := nextFD()
		extraFiles = append(extraFiles, initFile)
		initPathInsideSandbox = "/dev/shm/init.sh"
		args = append(args, "--ro-bind-data", fmt.Sprint(fd), initPathInsideSandbox)
	}

	env := map[string]string{
		"HOME":    home,
		"PATH":    home + "/bin:/bin:/sbin",
		"TMPDIR":  home + "/tmp",
		"SANDBOX": req.Name,
	}

	for _, k := range []string{"DISPLAY", "SHELL", "TERM"} {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}

	for k, v := range env {
		args = append(args, "--setenv", k, v)
	}

	args = append(args, "--chdir", home+"/"+req.Name, "--", "/bin/sh", "-l")

	if cmd := loginShellCommand(req, initPathInsideSandbox); cmd != nil {
		args = append(args, "-c", cmd[0])
	}

	cmd := exec.Command(bwrapPath, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = extraFiles

	var seedWG sync.WaitGroup

	seedErrCh := make(chan error, 1)

	if seedWriter != nil {
		seedWG.Add(1)

		go func() {
			defer seedWG.Done()
			defer func() { _ = seedWriter.Close() }()

			seedErrCh <- streamSeeds(req.Seeds, seedWriter, req.Debugf)
		}()
	} else {
		seedErrCh <- nil
	}

	runErr := runForeground(ctx, req.Name, cmd)

	seedWG.Wait()
	closeExtra()

	if streamErr := <-seedErrCh; streamErr != nil && runErr == nil {
		return fmt.Errorf("sandbox: stream seeds: %w", streamErr)
	}

	return runErr
}

// streamSeeds concatenates seeds onto w, reporting progress when stdout is a
// terminal.
func streamSeeds(seeds []string, w *os.File, debugf Debugf) error {
	var total int64

	for _, seed := range seeds {
		if info, err := os.Stat(seed); err == nil {
			total += info.Size()
		}
	}

	pw := newProgressWriter(os.Stdout, "streaming seeds", total)
	defer pw.Done()

	for _, seed := range seeds {
		debugf.logf("sandbox: streaming seed %s", seed)

		if err := streamOneSeed(seed, w, pw); err != nil {
			return err
		}
	}

	return nil
}

func streamOneSeed(seed string, w io.Writer, pw *progressWriter) error {
	f, err := os.Open(seed)
	if err != nil {
		return fmt.Errorf("open seed %q: %w", seed, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(io.MultiWriter(w, pw), f); err != nil {
		return fmt.Errorf("stream seed %q: %w", seed, err)
	}

	return nil
}

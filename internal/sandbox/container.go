package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strings"
	"time"

	"github.com/cubicle-sh/cubicle/internal/hostpath"
)

const (
	baseImageTag    = "cubicle-base"
	baseImageMaxAge = 12 * time.Hour
	shmSize         = "1000000000"
	x11Socket       = "/tmp/.X11-unix"
)

// ContainerRunner runs environments inside long-lived Docker containers, one
// per environment name, kept alive between invocations as `sleep 90d` so
// that a later `enter`/`exec` reattaches instead of re-creating state.
type ContainerRunner struct {
	Layout       hostpath.Layout
	HostHostname string
	// Docker is the name of the container engine binary; "docker" unless
	// overridden for testing.
	Docker string
}

func (r *ContainerRunner) binary() string {
	if r.Docker != "" {
		return r.Docker
	}

	return "docker"
}

// Kill stops name's container if running; it is a no-op otherwise.
func (r *ContainerRunner) Kill(name string) error {
	running, err := r.isRunning(name)
	if err != nil {
		return err
	}

	if !running {
		return nil
	}

	cmd := exec.Command(r.binary(), "kill", name)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("sandbox: docker kill %s: %w: %s", name, err, out)
	}

	return nil
}

func (r *ContainerRunner) isRunning(name string) (bool, error) {
	cmd := exec.Command(r.binary(), "inspect", "-f", "{{.State.Running}}", name)

	out, err := cmd.Output()
	if err != nil {
		// A non-existent container is reported via a non-zero exit, not an error
		// we want to propagate.
		return false, nil
	}

	return strings.TrimSpace(string(out)) == "true", nil
}

// Run ensures name's container is built and running, streams seeds and the
// init script into it if this is a fresh container, then execs req's
// command inside it.
func (r *ContainerRunner) Run(ctx context.Context, req RunRequest) error {
	if err := hostpath.EnsureDir(req.HostHome); err != nil {
		return fmt.Errorf("sandbox: ensure home dir: %w", err)
	}

	if err := r.ensureBaseImage(); err != nil {
		return fmt.Errorf("sandbox: ensure base image: %w", err)
	}

	fresh, err := r.ensureContainer(req)
	if err != nil {
		return fmt.Errorf("sandbox: ensure container: %w", err)
	}

	if fresh && len(req.Seeds) > 0 {
		if err := r.streamSeedsIntoContainer(req); err != nil {
			return fmt.Errorf("sandbox: stream seeds into %s: %w", req.Name, err)
		}
	}

	var initPathInsideSandbox string

	if fresh && req.Init != "" {
		initPathInsideSandbox = "/cubicle-init.sh"

		cpCmd := exec.Command(r.binary(), "cp", req.Init, req.Name+":"+initPathInsideSandbox)
		if out, err := cpCmd.CombinedOutput(); err != nil {
			return fmt.Errorf("sandbox: docker cp init script: %w: %s", err, out)
		}
	}

	home := outerHome()

	execArgs := []string{"exec", "-it"}

	execArgs = append(execArgs, "-e", "HOME="+home)

	for _, k := range []string{"DISPLAY", "SHELL", "TERM", "USER"} {
		if v, ok := os.LookupEnv(k); ok {
			execArgs = append(execArgs, "-e", k+"="+v)
		}
	}

	execArgs = append(execArgs, "-e", "PATH=/usr/bin:/usr/sbin:/bin:/sbin")
	execArgs = append(execArgs, req.Name, "/bin/sh", "-l")

	if cmd := loginShellCommand(req, initPathInsideSandbox); cmd != nil {
		execArgs = append(execArgs, "-c", cmd[0])
	}

	cmd := exec.Command(r.binary(), execArgs...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return runForeground(ctx, req.Name, cmd)
}

// ensureContainer spawns name's long-lived container if it is not already
// running, and reports whether it had to be created.
func (r *ContainerRunner) ensureContainer(req RunRequest) (fresh bool, err error) {
	running, err := r.isRunning(req.Name)
	if err != nil {
		return false, err
	}

	if running {
		return false, nil
	}

	home := outerHome()

	args := []string{
		"run", "--detach", "--init", "--rm",
		"--name", req.Name,
		"--hostname", req.Name + "." + r.HostHostname,
		"--shm-size", shmSize,
		"--volume", x11Socket + ":" + x11Socket + ":ro",
		"--volume", req.HostHome + ":" + home,
		"--volume", req.HostWork + ":" + home + "/" + req.Name,
		"--workdir", home + "/" + req.Name,
	}

	if _, statErr := os.Stat(r.Layout.SeccompJSON); statErr == nil {
		args = append(args, "--security-opt", "seccomp="+r.Layout.SeccompJSON)
	}

	args = append(args, baseImageTag, "sleep", "90d")

	cmd := exec.Command(r.binary(), args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return false, fmt.Errorf("docker run: %w: %s", err, out)
	}

	return true, nil
}

// streamSeedsIntoContainer concatenates seeds on the host and pipes them
// into an in-container tar extractor tolerant of concatenated archives.
func (r *ContainerRunner) streamSeedsIntoContainer(req RunRequest) error {
	var total int64

	for _, seed := range req.Seeds {
		if info, err := os.Stat(seed); err == nil {
			total += info.Size()
		}
	}

	pw := newProgressWriter(os.Stdout, "streaming seeds into "+req.Name, total)
	defer pw.Done()

	extractCmd := exec.Command(r.binary(), "exec", "-i", req.Name, "tar", "--ignore-zeros", "-xf", "-", "-C", outerHome())

	stdin, err := extractCmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open extractor stdin: %w", err)
	}

	var stderr bytes.Buffer
	extractCmd.Stderr = &stderr

	if err := extractCmd.Start(); err != nil {
		return fmt.Errorf("start extractor: %w", err)
	}

	copyErr := func() error {
		for _, seed := range req.Seeds {
			req.Debugf.logf("sandbox: streaming seed %s into container", seed)

			if err := streamOneSeed(seed, stdin, pw); err != nil {
				return err
			}
		}

		return nil
	}()

	closeErr := stdin.Close()
	waitErr := extractCmd.Wait()

	if copyErr != nil {
		return copyErr
	}

	if closeErr != nil {
		return fmt.Errorf("close extractor stdin: %w", closeErr)
	}

	if waitErr != nil {
		return fmt.Errorf("extractor failed: %w: %s", waitErr, stderr.String())
	}

	return nil
}

// currentUsername returns the invoking user's login name, used by the
// Dockerfile template substitution.
func currentUsername() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("sandbox: resolve current user: %w", err)
	}

	return u.Username, nil
}

// ensureBaseImage rebuilds the base image if it is missing, older than
// baseImageMaxAge, or older than the Dockerfile template on disk.
func (r *ContainerRunner) ensureBaseImage() error {
	stale, err := r.baseImageStale()
	if err != nil {
		return err
	}

	if !stale {
		return nil
	}

	return r.buildBaseImage()
}

func (r *ContainerRunner) baseImageStale() (bool, error) {
	cmd := exec.Command(r.binary(), "inspect", "-f", "{{.Created}}", baseImageTag)

	out, err := cmd.Output()
	if err != nil {
		// Image does not exist yet.
		return true, nil
	}

	created, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(out)))
	if err != nil {
		return true, nil
	}

	if time.Since(created) > baseImageMaxAge {
		return true, nil
	}

	dockerfileInfo, err := os.Stat(r.Layout.DockerfileIn)
	if err != nil {
		return false, fmt.Errorf("stat Dockerfile template: %w", err)
	}

	return dockerfileInfo.ModTime().After(created), nil
}

func (r *ContainerRunner) buildBaseImage() error {
	templateBytes, err := os.ReadFile(r.Layout.DockerfileIn)
	if err != nil {
		return fmt.Errorf("read Dockerfile template: %w", err)
	}

	timezone, err := os.ReadFile("/etc/timezone")
	if err != nil {
		timezone = []byte("Etc/UTC\n")
	}

	username, err := currentUsername()
	if err != nil {
		return err
	}

	rendered := strings.NewReplacer(
		"@@TIMEZONE@@", strings.TrimSpace(string(timezone)),
		"@@USER@@", username,
	).Replace(string(templateBytes))

	cmd := exec.Command(r.binary(), "build", "--tag", baseImageTag, "-")
	cmd.Stdin = strings.NewReader(rendered)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker build: %w: %s", err, stderr.String())
	}

	return nil
}

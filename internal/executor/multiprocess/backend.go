package multiprocess

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// Spec describes one child process a Backend should spawn: the session
// and node identity, the node type and parameters, and the names of the
// shared-memory segments the child must open at the names given.
type Spec struct {
	SessionID        string
	NodeID           string
	NodeType         string
	Params           map[string]interface{}
	PythonExecutable string
	InboundQueue     string
	OutboundQueue    string
	ControlQueue     string
}

// Handle identifies a spawned child for later Stop/Kill/Wait calls.
type Handle interface {
	fmt.Stringer
}

// Backend abstracts how a child "process" is actually provisioned,
// mirroring the teacher's pluggable container-runtime interface: the
// default is a bare OS child process, but a containerized backend may be
// swapped in for stronger isolation between nodes of different tenants.
type Backend interface {
	// Spawn starts the child described by spec and returns a handle once
	// the OS-level process exists (not once the node announces readiness
	// — that is a higher-level concern the executor polls for itself).
	Spawn(ctx context.Context, spec Spec) (Handle, error)
	// Wait blocks until the child exits and reports its exit error, if
	// any. A crash surfaces here as a non-nil error.
	Wait(ctx context.Context, h Handle) error
	// Kill forcibly terminates the child and its process group, used
	// when Stop's grace period elapses with the child still alive.
	Kill(ctx context.Context, h Handle) error
	Name() string
}

// localHandle wraps an os/exec child process.
type localHandle struct {
	cmd *exec.Cmd
}

func (h *localHandle) String() string { return fmt.Sprintf("pid:%d", h.cmd.Process.Pid) }

// Pid reports the child's OS process ID, letting the executor read its
// resource usage out of procfs without Backend needing a dedicated stats
// method of its own.
func (h *localHandle) Pid() (int, bool) { return h.cmd.Process.Pid, true }

// LocalExecBackend spawns the child as a plain OS process via os/exec,
// the direct reading of §4.6's "spawns a child process". Each child is
// placed in its own process group so a grace-period kill can take down
// any subprocesses it spawned too.
type LocalExecBackend struct{}

func NewLocalExecBackend() *LocalExecBackend { return &LocalExecBackend{} }

func (b *LocalExecBackend) Name() string { return "local-exec" }

func (b *LocalExecBackend) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	executable := spec.PythonExecutable
	if executable == "" {
		executable = "python3"
	}

	cmd := exec.CommandContext(ctx, executable, "-m", "pipelinert_node",
		"--session-id", spec.SessionID,
		"--node-id", spec.NodeID,
		"--node-type", spec.NodeType,
		"--inbound-queue", spec.InboundQueue,
		"--outbound-queue", spec.OutboundQueue,
		"--control-queue", spec.ControlQueue,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("multiprocess: spawn node %q: %w", spec.NodeID, err)
	}
	return &localHandle{cmd: cmd}, nil
}

func (b *LocalExecBackend) Wait(ctx context.Context, h Handle) error {
	lh := h.(*localHandle)
	return lh.cmd.Wait()
}

func (b *LocalExecBackend) Kill(ctx context.Context, h Handle) error {
	lh := h.(*localHandle)
	pid := lh.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		return lh.cmd.Process.Kill()
	}
	return nil
}

// dockerHandle wraps a container ID.
type dockerHandle struct{ containerID string }

func (h *dockerHandle) String() string { return h.containerID }

// Pid reports that no host PID is available for a containerized child;
// per-container memory/cpu would need the docker stats API instead of
// procfs, which this backend does not yet wire up.
func (h *dockerHandle) Pid() (int, bool) { return 0, false }

// DockerBackend runs each multiprocess node inside its own short-lived
// container instead of a bare child process, for deployments that want
// process-level isolation between nodes beyond what a shared host
// provides. Adapted from the pool-backend abstraction the teacher used
// for sandboxed request handling: one container per node rather than one
// per inbound request, with the node's own binary as the entrypoint
// instead of the teacher's "sleep infinity" keep-alive placeholder.
type DockerBackend struct {
	Image   string
	Runtime string // e.g. "runsc" for gVisor; "" for the default runtime
}

func NewDockerBackend(image, runtime string) *DockerBackend {
	return &DockerBackend{Image: image, Runtime: runtime}
}

func (b *DockerBackend) Name() string {
	if b.Runtime != "" {
		return fmt.Sprintf("docker/%s", b.Runtime)
	}
	return "docker"
}

func (b *DockerBackend) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("multiprocess: docker client: %w", err)
	}
	defer cli.Close()

	hostConfig := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Resources: container.Resources{
			NanoCPUs: 1_000_000_000,
			Memory:   512 * 1024 * 1024,
		},
		Tmpfs: map[string]string{"/dev/shm": "rw,nosuid,size=256m"},
	}
	if b.Runtime != "" {
		hostConfig.Runtime = b.Runtime
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: b.Image,
		Cmd: []string{
			"-m", "pipelinert_node",
			"--session-id", spec.SessionID,
			"--node-id", spec.NodeID,
			"--node-type", spec.NodeType,
			"--inbound-queue", spec.InboundQueue,
			"--outbound-queue", spec.OutboundQueue,
			"--control-queue", spec.ControlQueue,
		},
	}, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("multiprocess: create container for node %q: %w", spec.NodeID, err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("multiprocess: start container for node %q: %w", spec.NodeID, err)
	}

	return &dockerHandle{containerID: resp.ID}, nil
}

func (b *DockerBackend) Wait(ctx context.Context, h Handle) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()

	dh := h.(*dockerHandle)
	statusCh, errCh := cli.ContainerWait(ctx, dh.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return err
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return fmt.Errorf("multiprocess: container %s exited with status %d", dh.containerID, status.StatusCode)
		}
		return nil
	}
}

func (b *DockerBackend) Kill(ctx context.Context, h Handle) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()

	dh := h.(*dockerHandle)
	timeout := 0
	_ = cli.ContainerStop(ctx, dh.containerID, container.StopOptions{Timeout: &timeout})
	return cli.ContainerRemove(ctx, dh.containerID, types.ContainerRemoveOptions{Force: true})
}

package containerrt

import (
	"context"
	"fmt"
	"log"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"

	"github.com/gluk-w/claworc/control-plane/internal/config"
)

const (
	labelManagedBy = "claworc"
	networkName    = "claworc"
)

var _ Runtime = (*Docker)(nil)

// Docker is the Docker-backed Runtime, grounded on the teacher's broader
// DockerOrchestrator but trimmed to the Start/Stop/Exec/Wait boundary a
// session's container isolation mode actually needs.
type Docker struct {
	client *dockerclient.Client
}

// NewDocker connects to the Docker daemon named by config.Cfg.DockerHost (or
// the environment default) and ensures the shared bridge network exists.
func NewDocker(ctx context.Context) (*Docker, error) {
	var opts []dockerclient.Opt
	opts = append(opts, dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if config.Cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(config.Cfg.DockerHost))
	}

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	d := &Docker{client: cli}
	if err := d.ensureNetwork(ctx); err != nil {
		return nil, fmt.Errorf("docker network: %w", err)
	}
	log.Println("containerrt: docker daemon connected")
	return d, nil
}

func (d *Docker) ensureNetwork(ctx context.Context) error {
	if _, err := d.client.NetworkInspect(ctx, networkName, network.InspectOptions{}); err == nil {
		return nil
	}
	_, err := d.client.NetworkCreate(ctx, networkName, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{"managed-by": labelManagedBy},
	})
	return err
}

func (d *Docker) Start(ctx context.Context, spec StartSpec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	containerCfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Env:    env,
		Labels: map[string]string{"managed-by": labelManagedBy, "session": spec.Name},
		Tty:    true,
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{networkName: {}},
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}
	return spec.Name, nil
}

func (d *Docker) Stop(ctx context.Context, name string) error {
	timeout := 10
	if err := d.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	return d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
}

func (d *Docker) Exec(ctx context.Context, name string, cmd []string) (*ExecSession, error) {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		ConsoleSize:  &[2]uint{24, 80},
	}
	execID, err := d.client.ContainerExecCreate(ctx, name, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}
	resp, err := d.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	return &ExecSession{
		Stdin:  resp.Conn,
		Stdout: resp.Conn,
		Resize: func(cols, rows uint16) error {
			return d.client.ContainerExecResize(ctx, execID.ID, container.ResizeOptions{
				Height: uint(rows),
				Width:  uint(cols),
			})
		},
		Close: func() error {
			resp.Close()
			return nil
		},
	}, nil
}

func (d *Docker) Wait(ctx context.Context, name string) (int, error) {
	statusCh, errCh := d.client.ContainerWait(ctx, name, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

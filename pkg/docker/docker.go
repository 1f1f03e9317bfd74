package docker

import (
	"context"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/gymdock/gymdock/pkg/config"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Gateway owns the docker client and the container lifecycle of worker
// sessions. Every container it creates carries the configured session label
// so leftovers from a dead server can be found and reaped.
type Gateway struct {
	Log    *logrus.Entry
	Config *config.ServerConfig
	Client *client.Client
}

// NewGateway connects to the docker daemon using the standard environment
// variables (DOCKER_HOST etc.)
func NewGateway(log *logrus.Entry, cfg *config.ServerConfig) (*Gateway, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		Log:    log,
		Config: cfg,
		Client: cli,
	}, nil
}

// Ping checks that the daemon is reachable
func (g *Gateway) Ping(ctx context.Context) error {
	_, err := g.Client.Ping(ctx)
	return err
}

// StartWorker creates and starts a worker container for the given session.
// The container runs detached with stdin held open, removes itself when its
// process exits, and is labelled with the session ID.
func (g *Gateway) StartWorker(ctx context.Context, sessionID string) (string, error) {
	keys := lo.Keys(g.Config.ContainerEnv)
	sort.Strings(keys)
	env := lo.Map(keys, func(k string, _ int) string {
		return k + "=" + g.Config.ContainerEnv[k]
	})

	created, err := g.Client.ContainerCreate(ctx,
		&container.Config{
			Image:     g.Config.DockerImage,
			Cmd:       strslice.StrSlice(g.Config.WorkerCommand),
			Env:       env,
			OpenStdin: true,
			Labels:    map[string]string{g.Config.ContainerLabel: sessionID},
		},
		&container.HostConfig{
			Binds:      g.Config.Binds(),
			AutoRemove: true,
		},
		nil, nil, "")
	if err != nil {
		return "", err
	}

	if err := g.Client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		removeErr := g.Client.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		if removeErr != nil {
			g.Log.WithError(removeErr).WithField("container_id", shortID(created.ID)).
				Warn("Could not remove container that failed to start")
		}
		return "", err
	}

	return created.ID, nil
}

// AttachWorker hijacks the container's stdin/stdout streams. Stderr is left
// to the docker log driver; workers are expected to keep the stdout side
// clean for the protocol.
func (g *Gateway) AttachWorker(ctx context.Context, containerID string) (*StreamConn, error) {
	resp, err := g.Client.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: false,
	})
	if err != nil {
		return nil, err
	}

	return NewStreamConn(g.Log.WithField("container_id", shortID(containerID)), resp), nil
}

// StopWorker stops a container gracefully, falling back to SIGKILL after the
// configured stop timeout. Failures are logged and swallowed: the container
// may already be gone, which is the outcome we wanted anyway.
func (g *Gateway) StopWorker(ctx context.Context, containerID string) {
	timeout := g.Config.ContainerStopTimeoutS
	err := g.Client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if err != nil {
		g.Log.WithError(err).WithField("container_id", shortID(containerID)).
			Debug("Could not stop container")
	}
}

// KillWorker sends SIGKILL, best effort
func (g *Gateway) KillWorker(ctx context.Context, containerID string) {
	if err := g.Client.ContainerKill(ctx, containerID, "KILL"); err != nil {
		g.Log.WithError(err).WithField("container_id", shortID(containerID)).
			Debug("Could not kill container")
	}
}

// ListWorkers returns the IDs of all running containers carrying the session
// label, whatever the label's value
func (g *Gateway) ListWorkers(ctx context.Context) ([]string, error) {
	containers, err := g.Client.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", g.Config.ContainerLabel)),
	})
	if err != nil {
		return nil, err
	}

	return lo.Map(containers, func(c container.Summary, _ int) string {
		return c.ID
	}), nil
}

// Close releases the docker client
func (g *Gateway) Close() error {
	return g.Client.Close()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

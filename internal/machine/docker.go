package machine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/devpool-mini/pkg/models"
)

const (
	managedLabel = "managed-by"
	managedValue = "devpool-mini"
	agentPort    = "8090/tcp"
)

// DockerProvider runs workspace instances as local containers. Each
// container ships the workspace image with the agent listening on the
// agent port; the mapped host port becomes the machine endpoint.
type DockerProvider struct {
	client *client.Client
	image  string
	region string
	logger *zap.Logger
}

func NewDockerProvider(workspaceImage, region string, logger *zap.Logger) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerProvider{
		client: cli,
		image:  workspaceImage,
		region: region,
		logger: logger,
	}, nil
}

func (p *DockerProvider) Create(ctx context.Context, name string, cfg models.MachineConfig) (*models.Machine, error) {
	img := cfg.Image
	if img == "" {
		img = p.image
	}

	labels := map[string]string{managedLabel: managedValue}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	containerConfig := &container.Config{
		Image:  img,
		Labels: labels,
		ExposedPorts: nat.PortSet{
			agentPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			agentPort: []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: "0"},
			},
		},
		AutoRemove: false,
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	m, err := p.Get(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	p.logger.Info("machine created",
		zap.String("id", shortID(m.ID)),
		zap.String("name", m.Name),
		zap.String("endpoint", m.Endpoint))
	return m, nil
}

func (p *DockerProvider) Get(ctx context.Context, id string) (*models.Machine, error) {
	inspect, err := p.client.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	m := &models.Machine{
		ID:     inspect.ID,
		Name:   strings.TrimPrefix(inspect.Name, "/"),
		State:  mapContainerState(inspect.State.Status),
		Region: p.region,
	}
	if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		m.CreatedAt = created
	}
	if inspect.NetworkSettings != nil {
		m.PrivateAddress = inspect.NetworkSettings.IPAddress
		if bindings := inspect.NetworkSettings.Ports[agentPort]; len(bindings) > 0 {
			m.Endpoint = fmt.Sprintf("http://127.0.0.1:%s", bindings[0].HostPort)
		}
	}
	return m, nil
}

func (p *DockerProvider) List(ctx context.Context) ([]*models.Machine, error) {
	containers, err := p.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabel+"="+managedValue)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	machines := make([]*models.Machine, 0, len(containers))
	for _, c := range containers {
		m, err := p.Get(ctx, c.ID)
		if err != nil {
			// raced with removal
			continue
		}
		machines = append(machines, m)
	}
	return machines, nil
}

func (p *DockerProvider) Destroy(ctx context.Context, id string) error {
	timeout := 10
	if err := p.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}

	if err := p.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}

	p.logger.Info("machine destroyed", zap.String("id", shortID(id)))
	return nil
}

func (p *DockerProvider) WaitUntilStarted(ctx context.Context, id string, pollInterval, deadline time.Duration) error {
	return WaitStarted(ctx, p, id, pollInterval, deadline)
}

// EnsureImage pulls the workspace image if it is not present locally.
func (p *DockerProvider) EnsureImage(ctx context.Context) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == p.image {
				return nil
			}
		}
	}

	reader, err := p.client.ImagePull(ctx, p.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", p.image, err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *DockerProvider) Close() error {
	return p.client.Close()
}

func mapContainerState(status string) models.MachineState {
	switch status {
	case "running":
		return models.StateStarted
	case "created", "restarting":
		return models.StateStarting
	case "exited", "paused", "dead":
		return models.StateStopped
	case "removing":
		return models.StateDestroyed
	default:
		return models.StateStopped
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

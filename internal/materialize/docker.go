package materialize

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

type imageAPI interface {
	inspect(ctx context.Context, ref string) error
	pull(ctx context.Context, ref string) (io.ReadCloser, error)
	ping(ctx context.Context) error
	close() error
}

type dockerImages struct {
	client *client.Client
}

func (d dockerImages) inspect(ctx context.Context, ref string) error {
	_, err := d.client.ImageInspect(ctx, ref)
	return err
}

func (d dockerImages) pull(ctx context.Context, ref string) (io.ReadCloser, error) {
	return d.client.ImagePull(ctx, ref, image.PullOptions{})
}

func (d dockerImages) ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

func (d dockerImages) close() error { return d.client.Close() }

// DockerPuller pulls submission images into the local daemon so that a WES
// running on the same host starts them without a cold pull.
type DockerPuller struct {
	api    imageAPI
	logger *slog.Logger
}

// NewDockerPuller connects to the daemon configured in the environment.
func NewDockerPuller() (*DockerPuller, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerPuller{api: dockerImages{client: c}, logger: slog.With("component", "imagepuller")}, nil
}

// EnsureImage pulls ref unless the daemon already has it.
func (p *DockerPuller) EnsureImage(ctx context.Context, ref string) error {
	if err := p.api.inspect(ctx, ref); err == nil {
		return nil
	}
	p.logger.Info("Pulling image", "image", ref)
	reader, err := p.api.pull(ctx, ref)
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	return nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (p *DockerPuller) Ready(ctx context.Context) error {
	return p.api.ping(ctx)
}

// Close releases the docker client.
func (p *DockerPuller) Close() error {
	return p.api.close()
}

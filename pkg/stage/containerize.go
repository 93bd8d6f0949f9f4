package stage

import (
	"context"
	"fmt"

	"github.com/conveyor-ci/conveyor/pkg/core"
	"github.com/conveyor-ci/conveyor/pkg/pipeline"

	"github.com/conveyor-ci/conveyor/pkg/infra/docker"
)

// ContainerizeRunner produces the deployable image reference for a run:
// it pulls the stage's base image, retags it with the run's version key
// under the configured registry repository, and pushes the tag. The
// pushed digest is published so the deploy stage rolls out exactly the
// bytes this run produced.
type ContainerizeRunner struct {
	Runtime docker.Client
}

func (r *ContainerizeRunner) Run(ctx context.Context, st *pipeline.StageInstance, inputs pipeline.RunInputs) (map[string]any, error) {
	if r.Runtime == nil {
		return nil, core.NewDomain("stage", core.ErrCodeStageExecution,
			"no container runtime configured for the containerize stage")
	}

	image, err := resolveString(st, inputs, "image")
	if err != nil {
		return nil, err
	}

	if _, err := r.Runtime.PullImage(ctx, image); err != nil {
		return nil, core.Wrap(err, core.ErrCodeImageNotFound,
			fmt.Sprintf("pull image %s", image))
	}

	// push_to names the registry repository; defaults to the image's own
	// repository so a bare pipeline still produces a versioned tag.
	repo, ok := paramString(st, "push_to")
	if !ok {
		repo = repositoryOf(image)
	}
	imageRef := fmt.Sprintf("%s:%s", repo, inputs.Commit())

	if err := r.Runtime.TagImage(ctx, image, imageRef); err != nil {
		return nil, core.Wrap(err, core.ErrCodeStageExecution,
			fmt.Sprintf("tag image %s as %s", image, imageRef))
	}

	digest, err := r.Runtime.PushImage(ctx, imageRef)
	if err != nil {
		return nil, core.Wrap(err, core.ErrCodeStageExecution,
			fmt.Sprintf("push image %s", imageRef))
	}

	return map[string]any{
		"image_ref": imageRef,
		"digest":    digest,
	}, nil
}

// repositoryOf strips the tag from an image reference, leaving the
// registry/repository part.
func repositoryOf(image string) string {
	for i := len(image) - 1; i >= 0; i-- {
		switch image[i] {
		case ':':
			return image[:i]
		case '/':
			return image
		}
	}
	return image
}

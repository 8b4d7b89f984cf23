package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/molpadia/molpadrive/internal/config"
	"github.com/molpadia/molpadrive/internal/domain/repository"
	"github.com/molpadia/molpadrive/internal/infrastructure/persistence"
)

// backend holds the stores selected by the configuration.
type backend struct {
	sessions repository.SessionRepository
	profiles repository.ProfileRepository
	objects  repository.ObjectStore
	ready    func(ctx context.Context) error

	// Set in dev mode only.
	local *persistence.MemoryObjectStore
}

// Build the stores. Dev mode keeps everything in memory and serves presigned
// part uploads from publicURL.
func newBackend(cfg *config.Config, publicURL string) (*backend, error) {
	if cfg.Dev {
		store := persistence.NewMemoryStore()
		objects := persistence.NewMemoryObjectStore(publicURL)
		return &backend{
			sessions: store.Sessions(),
			profiles: store.Profiles(),
			objects:  objects,
			local:    objects,
		}, nil
	}

	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(cfg.AWS.Region),
		Endpoint:         endpoint(cfg.AWS.Endpoint),
		S3ForcePathStyle: aws.Bool(cfg.AWS.PathStyle),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	sessions := persistence.NewSessionRepository(sess, cfg.AWS.SessionsTable, cfg.AWS.StatusIndex, cfg.AWS.ProfilesTable)
	return &backend{
		sessions: sessions,
		profiles: persistence.NewProfileRepository(sess, cfg.AWS.ProfilesTable),
		objects:  persistence.NewS3ObjectStore(sess, cfg.AWS.Bucket),
		ready:    sessions.Ready,
	}, nil
}

// A nil endpoint lets the SDK resolve the regional one.
func endpoint(url string) *string {
	if url == "" {
		return nil
	}
	return aws.String(url)
}

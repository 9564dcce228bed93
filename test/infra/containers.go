package infra

import (
	"context"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	defaultImage    = "postgres:16"
	defaultDatabase = "assetflow_test"
	defaultUser     = "assetflow"
	defaultPassword = "assetflow"
)

type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres starts a disposable Postgres container and returns its
// DSN. overrideDSN or STRESS_TEST_PG_DSN short-circuit to an existing
// database; STRESS_TEST_PG_IMAGE selects a different image tag.
func StartPostgres(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if overrideDSN != "" {
		return &PGContainer{}, overrideDSN, nil
	}
	if dsn := os.Getenv("STRESS_TEST_PG_DSN"); dsn != "" {
		return &PGContainer{}, dsn, nil
	}

	image := defaultImage
	if v := os.Getenv("STRESS_TEST_PG_IMAGE"); v != "" {
		image = v
	}

	pgC, err := postgres.Run(ctx,
		image,
		postgres.WithDatabase(defaultDatabase),
		postgres.WithUsername(defaultUser),
		postgres.WithPassword(defaultPassword),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}

package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/types"
	"github.com/pagemark/pagemark-backend/internal/utils"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	postgresHost := utils.GetEnv("POSTGRES_HOST", "localhost", log)
	postgresPort := utils.GetEnv("POSTGRES_PORT", "5432", log)
	postgresUser := utils.GetEnv("POSTGRES_USER", "postgres", log)
	postgresPassword := utils.GetEnv("POSTGRES_PASSWORD", "", log)
	postgresName := utils.GetEnv("POSTGRES_NAME", "pagemark", log)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", postgresUser, postgresPassword, postgresHost, postgresPort, postgresName)

	log.Info("Connecting to Postgres...")
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		log.Error("Failed to connect to Postgres", "error", err)
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		log.Error("Failed to enable uuid-ossp extension", "error", err)
		return nil, fmt.Errorf("failed to enable uuid-ossp extension: %w", err)
	}

	return &PostgresService{db: db, log: serviceLog}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	err := s.db.AutoMigrate(
		&types.User{},
		&types.UserToken{},
		&types.Course{},
		&types.File{},
		&types.Sticker{},
		&types.StickerVersion{},
		&types.GenerationRecord{},
		&types.WindowSession{},
		&types.ContextEntry{},
		&types.ContextJob{},
		&types.UserContextScope{},
		&types.QuotaBucket{},
		&types.LatencySample{},
	)
	if err != nil {
		s.log.Error("Auto migration failed for postgres tables", "error", err)
		return err
	}

	s.log.Info("Configuring constraints for postgres tables...")
	statements := []struct {
		name string
		sql  string
	}{
		{"fk_user_token_user_id", `
			ALTER TABLE "user_token"
			ADD CONSTRAINT "fk_user_token_user_id"
			FOREIGN KEY ("user_id")
			REFERENCES "user"("id")
			ON DELETE CASCADE
		`},
		{"fk_course_user_id", `
			ALTER TABLE "course"
			ADD CONSTRAINT "fk_course_user_id"
			FOREIGN KEY ("user_id")
			REFERENCES "user"("id")
			ON DELETE CASCADE
		`},
		{"fk_file_course_id", `
			ALTER TABLE "file"
			ADD CONSTRAINT "fk_file_course_id"
			FOREIGN KEY ("course_id")
			REFERENCES "course"("id")
			ON DELETE CASCADE
		`},
		{"fk_sticker_file_id", `
			ALTER TABLE "sticker"
			ADD CONSTRAINT "fk_sticker_file_id"
			FOREIGN KEY ("file_id")
			REFERENCES "file"("id")
			ON DELETE CASCADE
		`},
		{"fk_sticker_version_sticker_id", `
			ALTER TABLE "sticker_version"
			ADD CONSTRAINT "fk_sticker_version_sticker_id"
			FOREIGN KEY ("sticker_id")
			REFERENCES "sticker"("id")
			ON DELETE CASCADE
		`},
		{"fk_window_session_file_id", `
			ALTER TABLE "window_session"
			ADD CONSTRAINT "fk_window_session_file_id"
			FOREIGN KEY ("file_id")
			REFERENCES "file"("id")
			ON DELETE CASCADE
		`},
		{"idx_window_session_one_active", `
			CREATE UNIQUE INDEX IF NOT EXISTS "idx_window_session_one_active"
			ON "window_session" ("user_id", "file_id")
			WHERE "state" = 'active'
		`},
		{"idx_context_job_one_live", `
			CREATE UNIQUE INDEX IF NOT EXISTS "idx_context_job_one_live"
			ON "context_job" ("pdf_hash")
			WHERE "state" IN ('pending', 'processing')
		`},
	}
	for _, st := range statements {
		if err := s.db.Exec(st.sql).Error; err != nil {
			if isDuplicateConstraint(err) {
				continue
			}
			return fmt.Errorf("failed to apply %s: %w", st.name, err)
		}
	}
	return nil
}

func (s *PostgresService) DB() *gorm.DB {
	return s.db
}

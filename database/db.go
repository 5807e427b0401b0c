package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/DQYXACML/tracescan/config"
	_ "github.com/DQYXACML/tracescan/database/utils/serializers"
	"github.com/DQYXACML/tracescan/database/worker"
)

type DB struct {
	gorm *gorm.DB

	AnalyzedTxs worker.AnalyzedTxDB
	Detections  worker.DetectionDB
}

// DSN builds the postgres connection string of dbConfig.
func DSN(dbConfig config.DBConfig) string {
	dsn := fmt.Sprintf("host=%s dbname=%s sslmode=disable", dbConfig.Host, dbConfig.Name)
	if dbConfig.Port != 0 {
		dsn += fmt.Sprintf(" port=%d", dbConfig.Port)
	}
	if dbConfig.User != "" {
		dsn += fmt.Sprintf(" user=%s", dbConfig.User)
	}
	if dbConfig.Password != "" {
		dsn += fmt.Sprintf(" password=%s", dbConfig.Password)
	}
	return dsn
}

func NewDB(ctx context.Context, dbConfig config.DBConfig) (*DB, error) {
	gormConfig := gorm.Config{
		SkipDefaultTransaction: true,
		CreateBatchSize:        3_000,
		Logger:                 logger.Default.LogMode(logger.Silent),
	}
	gorm, err := gorm.Open(postgres.Open(DSN(dbConfig)), &gormConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	sqlDB, err := gorm.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get database handle")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("failed to reach database at %s:%d", dbConfig.Host, dbConfig.Port))
	}
	log.Info("connected to database", "host", dbConfig.Host, "name", dbConfig.Name)
	return newDB(gorm), nil
}

func newDB(gorm *gorm.DB) *DB {
	return &DB{
		gorm:        gorm,
		AnalyzedTxs: worker.NewAnalyzedTxDB(gorm),
		Detections:  worker.NewDetectionDB(gorm),
	}
}

func (db *DB) Transaction(fn func(db *DB) error) error {
	return db.gorm.Transaction(func(tx *gorm.DB) error {
		return fn(newDB(tx))
	})
}

func (db *DB) Close() error {
	sql, err := db.gorm.DB()
	if err != nil {
		return err
	}
	return sql.Close()
}

func (db *DB) ExecuteSQLMigration(migrationsFolder string) error {
	err := filepath.Walk(migrationsFolder, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("Failed to process migration file: %s", path))
		}
		if info.IsDir() || filepath.Ext(path) != ".sql" {
			return nil
		}
		fileContent, readErr := os.ReadFile(path)
		if readErr != nil {
			return errors.Wrap(readErr, fmt.Sprintf("Error reading SQL file: %s", path))
		}

		execErr := db.gorm.Exec(string(fileContent)).Error
		if execErr != nil {
			return errors.Wrap(execErr, fmt.Sprintf("Error executing SQL script: %s", path))
		}
		log.Info("applied migration", "file", path)
		return nil
	})
	return err
}

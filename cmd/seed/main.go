// Command seed creates an Operator directly in the admin store, for
// bootstrapping the first admin account before any login is possible.
//
// Usage:
//
//	go run ./cmd/seed --email admin@example.com --password secret --role admin
//
// Environment variables:
//
//	ADMIN_DB_DSN     SQLite file path or Postgres DSN (default: ./opendispatch.db)
//	ADMIN_DB_DRIVER  "sqlite" (default) or "postgres"
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/open-dispatch/opendispatch/internal/auth"
	"github.com/open-dispatch/opendispatch/internal/db"
	"github.com/open-dispatch/opendispatch/internal/repository"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	email := flag.String("email", "", "Operator email (required)")
	password := flag.String("password", "", "Plain-text password (required)")
	role := flag.String("role", "admin", "Role: admin or operator")
	flag.Parse()

	if *email == "" {
		return fmt.Errorf("--email is required")
	}
	if *password == "" {
		return fmt.Errorf("--password is required")
	}
	if *role != "admin" && *role != "operator" {
		return fmt.Errorf("--role must be 'admin' or 'operator'")
	}

	driver := envOrDefault("ADMIN_DB_DRIVER", "sqlite")
	dsn := envOrDefault("ADMIN_DB_DSN", "./opendispatch.db")

	logger, _ := zap.NewDevelopment()

	gormDB, err := db.New(db.Config{
		Driver:   driver,
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open operator store: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	hashed, err := auth.HashPassword(*password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	operatorRepo := repository.NewOperatorRepository(gormDB)

	op := &db.Operator{
		Email:        *email,
		PasswordHash: hashed,
		Role:         *role,
	}

	if err := operatorRepo.Create(context.Background(), op); err != nil {
		return fmt.Errorf("create operator (email %q may already exist): %w", *email, err)
	}

	fmt.Printf("operator created\n")
	fmt.Printf("  id:    %s\n", op.ID)
	fmt.Printf("  email: %s\n", op.Email)
	fmt.Printf("  role:  %s\n", op.Role)

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// seed-admin creates or updates an admin console user on the configured store.
// On a desktop node the row reaches the central node with the next sync pass (matched by username).
//
// Usage:
//
//	ADMIN_USERNAME=... ADMIN_PASSWORD=... [ADMIN_NAME=...] [NODE_ROLE=central] go run ./cmd/seed-admin
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mmdatafocus/cashrecon_backend/config"
	"github.com/mmdatafocus/cashrecon_backend/models"
	"github.com/mmdatafocus/cashrecon_backend/utils"
)

func main() {
	role := utils.StringFromEnv("NODE_ROLE", config.NodeRoleDesktop)
	settings := config.LoadSettings(role)

	username := os.Getenv("ADMIN_USERNAME")
	password := os.Getenv("ADMIN_PASSWORD")
	if username == "" || password == "" {
		fmt.Fprintln(os.Stderr, "ADMIN_USERNAME and ADMIN_PASSWORD are required.")
		os.Exit(2)
	}

	db, err := config.OpenDatabase(settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := models.MigrateTable(db); err != nil {
		fmt.Fprintf(os.Stderr, "failed to migrate: %v\n", err)
		os.Exit(1)
	}

	ctx := utils.SetNodeIdInContext(context.Background(), settings.NodeId)
	admin, created, err := models.SeedAdmin(ctx, db, &models.NewAdmin{
		Username: username,
		Name:     utils.StringFromEnv("ADMIN_NAME", "Administrator"),
		Password: password,
		Role:     models.AdminRole(os.Getenv("ADMIN_ROLE")),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed admin: %s\n", utils.ProcessValidationErrors(err))
		os.Exit(1)
	}
	if created {
		fmt.Printf("Created admin user: username=%q role=%s node=%s\n", admin.Username, admin.Role, settings.NodeId)
		return
	}
	fmt.Printf("Updated admin user: username=%q node=%s\n", admin.Username, settings.NodeId)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"sqlpilot/internal/config"
	"sqlpilot/internal/core"
	"sqlpilot/internal/data"
	"sqlpilot/internal/service"
)

// test_data seeds a local store with a demo user and one database target. The target is
// stored without a connection test so the data can be prepared before the database is up.
func main() {
	username := flag.String("user", "demo", "Demo username")
	password := flag.String("password", "demo-password", "Demo password")
	engine := flag.String("engine", "postgres", "Target engine (postgres or mysql)")
	host := flag.String("host", "localhost", "Target host")
	port := flag.Int("port", 5432, "Target port")
	dbUser := flag.String("db-user", "postgres", "Target username")
	dbPassword := flag.String("db-password", "postgres", "Target password")
	dbName := flag.String("db-name", "postgres", "Target database name")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	db, err := data.InitDB(ctx, cfg.DataPath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	// 1. User (if not exists)
	users := data.NewUserRepo(db)
	user, err := service.NewAuthService(users).Signup(ctx, *username, *password)
	if errors.Is(err, service.ErrUsernameTaken) {
		user, err = users.GetUserByUsername(ctx, *username)
	}
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("User ID: %d\n", user.ID)

	// 2. Target
	codec, err := service.NewEncryptionService(cfg.MasterKey)
	if err != nil {
		log.Fatal(err)
	}
	passwordEnc, err := codec.Encrypt(*dbPassword)
	if err != nil {
		log.Fatal(err)
	}

	target := &core.DatabaseTarget{
		ID:           uuid.NewString(),
		OwnerID:      user.ID,
		Name:         "Demo " + *dbName,
		Engine:       core.Engine(*engine),
		Host:         *host,
		Port:         *port,
		Username:     *dbUser,
		PasswordEnc:  passwordEnc,
		DatabaseName: *dbName,
		Policy:       core.PolicyStrict,
		CreatedAt:    time.Now().UTC(),
	}
	if !target.Engine.Valid() {
		log.Fatalf("unsupported engine %q", *engine)
	}
	if err := data.NewTargetRepo(db).Create(ctx, target); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Target ID: %s\n", target.ID)

	fmt.Println("Test data created successfully.")
}

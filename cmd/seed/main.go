// Command seed loads chat users from a YAML file into Postgres.
//
// Users without an id get a generated NNN-DDD-<company><suffix> identifier.
// The resulting id/email pairs are printed so smoke runs can target them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/identity"
	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/app"
	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/store"
)

type seedFile struct {
	CompanyID string     `yaml:"company_id"`
	Users     []seedUser `yaml:"users"`
}

type seedUser struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Department string `yaml:"department"`
	Email      string `yaml:"email"`
	AvatarURL  string `yaml:"avatar_url"`
	Role       string `yaml:"role"`
}

func main() {
	var (
		path    = flag.String("file", "tools/seed/users.example.yaml", "YAML seed file")
		migrate = flag.Bool("migrate", false, "Apply the schema before seeding")
	)
	flag.Parse()

	if err := run(*path, *migrate); err != nil {
		log.Fatal(err)
	}
}

func run(path string, migrate bool) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg.LogLevel, cfg.LogFormat)

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("seed: CHAT_DATABASE_URL is required")
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	users, err := loadUsers(f)
	if err != nil {
		return fmt.Errorf("seed: %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := app.NewDBPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if migrate {
		if err := store.ApplySchema(ctx, pool, cfg.DBSchema); err != nil {
			return err
		}
	}

	gw, err := store.NewPostgresGateway(pool, store.WithSchema(cfg.DBSchema))
	if err != nil {
		return err
	}
	if err := gw.PutUsers(ctx, users); err != nil {
		return err
	}

	logger.Info("seed.done", "users", len(users), "schema", cfg.DBSchema)
	for _, u := range users {
		fmt.Printf("%s\t%s\n", u.ID, u.Email)
	}
	return nil
}

// loadUsers decodes a seed file and assigns ids where missing.
func loadUsers(r io.Reader) ([]store.User, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var sf seedFile
	if err := dec.Decode(&sf); err != nil {
		return nil, err
	}
	if len(sf.Users) == 0 {
		return nil, errors.New("no users")
	}

	seen := make(map[string]struct{}, len(sf.Users))
	out := make([]store.User, 0, len(sf.Users))
	for i, su := range sf.Users {
		email := identity.NormalizeEmail(su.Email)
		if email == "" {
			return nil, fmt.Errorf("users[%d]: missing email", i)
		}
		if _, dup := seen[email]; dup {
			return nil, fmt.Errorf("users[%d]: duplicate email %q", i, email)
		}
		seen[email] = struct{}{}

		id := strings.TrimSpace(su.ID)
		if id == "" {
			var err error
			id, err = identity.NewUserID(su.Name, su.Department, sf.CompanyID)
			if err != nil {
				return nil, fmt.Errorf("users[%d]: %w", i, err)
			}
		}

		out = append(out, store.User{
			ID:          id,
			DisplayName: strings.TrimSpace(su.Name),
			Department:  strings.TrimSpace(su.Department),
			AvatarURL:   strings.TrimSpace(su.AvatarURL),
			Email:       email,
			Role:        strings.TrimSpace(su.Role),
			Presence:    store.PresenceOffline,
		})
	}
	return out, nil
}

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/frahmantamala/expert-payments/internal"
	"github.com/frahmantamala/expert-payments/internal/auth"
	projectmodel "github.com/frahmantamala/expert-payments/internal/core/datamodel/project"
	usermodel "github.com/frahmantamala/expert-payments/internal/core/datamodel/user"
)

var (
	seedPrivateKey string
	seedTokenTTL   time.Duration
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample users and projects",
	Long: `Seed a client, an expert, an admin and two projects for local development.
With --private-key, print bearer tokens for the seeded users signed by that key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		gdb, closeDB, err := openGorm(cfg.Database)
		if err != nil {
			return err
		}
		defer closeDB()

		seeded, err := seedUsers(gdb.WithContext(cmd.Context()))
		if err != nil {
			return err
		}
		if err := seedProjects(gdb.WithContext(cmd.Context()), seeded); err != nil {
			return err
		}

		if seedPrivateKey == "" {
			return nil
		}
		return printTokens(seeded, cfg.Security.JWTIssuer)
	},
}

func seedUsers(db *gorm.DB) ([]usermodel.User, error) {
	now := time.Now().UTC()
	users := []usermodel.User{
		{Email: "client@example.com", Name: "Sample Client", Role: string(internal.RoleClient)},
		{Email: "expert@example.com", Name: "Sample Expert", Role: string(internal.RoleExpert)},
		{Email: "admin@example.com", Name: "Platform Admin", Role: string(internal.RoleAdmin)},
	}

	for i := range users {
		users[i].CreatedAt = now
		users[i].UpdatedAt = now
		err := db.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "email"}}, DoNothing: true}).
			Create(&users[i]).Error
		if err != nil {
			return nil, fmt.Errorf("failed to insert user %s: %w", users[i].Email, err)
		}
		if err := db.Where("email = ?", users[i].Email).First(&users[i]).Error; err != nil {
			return nil, fmt.Errorf("failed to load user %s: %w", users[i].Email, err)
		}
		fmt.Printf("user %d: %s (%s)\n", users[i].ID, users[i].Email, users[i].Role)
	}
	return users, nil
}

func seedProjects(db *gorm.DB, users []usermodel.User) error {
	client, expert := users[0], users[1]
	now := time.Now().UTC()

	projects := []projectmodel.Project{
		{ClientID: client.ID, ExpertID: &expert.ID, Title: "Data pipeline review"},
		{ClientID: client.ID, Title: "Unassigned market research"},
	}
	for _, p := range projects {
		var count int64
		if err := db.Model(&projectmodel.Project{}).Where("client_id = ? AND title = ?", p.ClientID, p.Title).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		p.CreatedAt = now
		p.UpdatedAt = now
		if err := db.Create(&p).Error; err != nil {
			return fmt.Errorf("failed to insert project %q: %w", p.Title, err)
		}
		fmt.Printf("project %d: %s\n", p.ID, p.Title)
	}
	return nil
}

func printTokens(users []usermodel.User, issuer string) error {
	pemBytes, err := os.ReadFile(seedPrivateKey)
	if err != nil {
		return fmt.Errorf("failed to read private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	signer := auth.NewSigner(key, issuer, seedTokenTTL)
	for _, u := range users {
		token, err := signer.Issue(internal.Identity{UserID: u.ID, Role: internal.Role(u.Role)})
		if err != nil {
			return err
		}
		fmt.Printf("%s token: %s\n", u.Role, token)
	}
	return nil
}

func init() {
	seedCmd.Flags().StringVar(&seedPrivateKey, "private-key", "", "PEM RSA private key used to print dev bearer tokens")
	seedCmd.Flags().DurationVar(&seedTokenTTL, "token-ttl", 24*time.Hour, "lifetime of printed tokens")
}

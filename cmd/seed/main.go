package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/xtrntr/spvswap/internal/auth"
	"github.com/xtrntr/spvswap/internal/config"
	"github.com/xtrntr/spvswap/internal/db"
)

// Demo traders. Fund them through the genesis section of the server config.
var traders = []struct {
	username string
	password string
	address  common.Address
}{
	{"trader1", "password123", common.HexToAddress("0x1111111111111111111111111111111111111111")},
	{"trader2", "password123", common.HexToAddress("0x2222222222222222222222222222222222222222")},
}

// Seed the database with demo traders
func main() {
	var configPath string
	root := &cobra.Command{
		Use:   "seed",
		Short: "Register demo traders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return seed(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Printf("seed failed: %v", err)
		os.Exit(1)
	}
}

func seed(ctx context.Context, cfg config.Config) error {
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close(ctx)

	contract, err := cfg.Contract()
	if err != nil {
		return err
	}
	authService := auth.NewAuthService(database, cfg.JWTSecret, cfg.TokenTTL.Duration, contract)
	created := 0
	for _, tr := range traders {
		_, err := authService.Register(ctx, tr.username, tr.password, tr.address)
		switch {
		case errors.Is(err, db.ErrUserExists):
			fmt.Printf("%s already registered\n", tr.username)
		case err != nil:
			return fmt.Errorf("failed to register %s: %w", tr.username, err)
		default:
			created++
			fmt.Printf("registered %s trading as %s\n", tr.username, tr.address.Hex())
		}
	}

	fmt.Printf("Successfully seeded %d demo traders!\n", created)
	return nil
}

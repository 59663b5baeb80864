package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/edudashpro/presence/backend-go/internal/auth"
	"github.com/edudashpro/presence/backend-go/internal/config"
	"github.com/edudashpro/presence/backend-go/internal/db"
	"github.com/edudashpro/presence/backend-go/internal/logging"
	"github.com/edudashpro/presence/backend-go/internal/store/postgres"
	redisstore "github.com/edudashpro/presence/backend-go/internal/store/redis"
	"github.com/edudashpro/presence/backend-go/internal/typeid"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	cfg    *config.Config
	logger *slog.Logger
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  token [-user USER_ID] [-ttl 24h] - mint a device token signed with JWT_SECRET")
	fmt.Println("  migrate                          - install the presence schema or function library for PRESENCE_BACKEND")
}

func (cli *commandLine) run(ctx context.Context, args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	tokenCmd := flag.NewFlagSet("token", flag.ExitOnError)
	tokenUser := tokenCmd.String("user", "", "User id to put in the token subject. A new user id is generated when empty.")
	tokenTTL := tokenCmd.Duration("ttl", auth.DefaultTokenTTL, "Token lifetime.")

	switch args[1] {
	case "token":
		if err := tokenCmd.Parse(args[2:]); err != nil {
			return err
		}
		userID := *tokenUser
		if userID == "" {
			userID = typeid.NewUserID()
		}
		token, err := auth.NewService(cli.cfg.JWTSecret).IssueToken(userID, *tokenTTL)
		if err != nil {
			return err
		}
		fmt.Printf("user:  %s\ntoken: %s\n", userID, token)
		return nil
	case "migrate":
		return cli.migrate(ctx)
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) migrate(ctx context.Context) error {
	switch cli.cfg.Backend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cli.cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		return postgres.New(pool, cli.logger).Migrate(ctx)
	case config.BackendRedis:
		rdb, err := redisstore.NewClient(ctx, cli.cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		return redisstore.New(rdb, cli.logger).LoadFunction(ctx)
	}
	cli.logger.Info("nothing to migrate", "backend", cli.cfg.Backend)
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	cli := &commandLine{
		cfg:    cfg,
		logger: logging.New(os.Stderr, "presencectl", cfg.LogLevel, cfg.LogFormat),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := cli.run(ctx, os.Args); err != nil {
		if errors.Is(err, errHelp) {
			os.Exit(2)
		}
		cli.logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

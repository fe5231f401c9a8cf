package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/deskops/internal/profile"
	"github.com/hrygo/deskops/internal/secrets"
	"github.com/hrygo/deskops/internal/version"
	"github.com/hrygo/deskops/plugin/email"
	"github.com/hrygo/deskops/plugin/ldap"
	"github.com/hrygo/deskops/plugin/otrs"
	"github.com/hrygo/deskops/plugin/telegram"
	"github.com/hrygo/deskops/server"
	"github.com/hrygo/deskops/store"
	"github.com/hrygo/deskops/store/db"
)

var rootCmd = &cobra.Command{
	Use:   "deskops",
	Short: "Operations support bot: chat auth, ticket reconciliation and server monitoring.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// .env is a development convenience; production deployments pass
		// real environment variables.
		_ = godotenv.Load()
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		prof := &profile.Profile{
			Mode:      viper.GetString("mode"),
			NodeID:    viper.GetString("node-id"),
			NodeKind:  profile.NodeKind(viper.GetString("kind")),
			DSN:       viper.GetString("dsn"),
			RedisAddr: viper.GetString("redis-addr"),
			RedisDB:   viper.GetInt("redis-db"),
			Version:   version.GetCurrentVersion(viper.GetString("mode")),
		}
		prof.FromEnv()
		setupLogger(prof)
		if prof.NodeID == "" {
			prof.NodeID = fmt.Sprintf("%s-%s", prof.NodeKind, uuid.NewString()[:8])
		}
		if err := prof.Validate(); err != nil {
			slog.Error("invalid configuration", "error", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		dbDriver, err := db.NewDBDriver(prof)
		if err != nil {
			slog.Error("failed to create db driver", "error", err)
			os.Exit(1)
		}
		storeInstance := store.New(dbDriver, prof)
		defer storeInstance.Close()
		if err := storeInstance.Migrate(ctx); err != nil {
			slog.Error("failed to migrate", "error", err)
			os.Exit(1)
		}

		redisClient := redis.NewClient(&redis.Options{
			Addr: prof.RedisAddr,
			DB:   prof.RedisDB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Error("redis unreachable", "addr", prof.RedisAddr, "error", err)
			os.Exit(1)
		}

		tg, err := telegram.NewClient(&telegram.Config{
			BotToken: secrets.Get(secrets.KeyBotToken),
		})
		if err != nil {
			slog.Error("failed to connect to Telegram", "error", err)
			os.Exit(1)
		}

		settings := storeInstance.Settings
		ticketStore := otrs.NewClient(&otrs.Config{
			BaseURL:    settings.String(ctx, store.SettingTicketBaseURL, ""),
			WebService: settings.String(ctx, store.SettingTicketWebService, "TicketConnector"),
			Login:      settings.String(ctx, store.SettingTicketLogin, ""),
			Password:   secrets.Get(secrets.KeyTicketPassword),
		})
		mailer, err := email.NewSender(&email.Config{
			SMTPHost:     settings.String(ctx, store.SettingSMTPHost, ""),
			SMTPPort:     settings.Int(ctx, store.SettingSMTPPort, 587),
			SMTPUsername: settings.String(ctx, store.SettingSMTPUser, ""),
			SMTPPassword: secrets.Get(secrets.KeySMTPPassword),
			FromEmail:    settings.String(ctx, store.SettingSMTPUser, ""),
			FromName:     settings.String(ctx, store.SettingSMTPFromName, "DeskOps"),
			UseTLS:       true,
		})
		if err != nil {
			slog.Error("SMTP is not configured; set smtp_host and smtp_user in core.settings", "error", err)
			os.Exit(1)
		}
		directory := ldap.NewClient(&ldap.Config{
			Addr:         settings.String(ctx, store.SettingLDAPAddr, ""),
			BindDN:       settings.String(ctx, store.SettingLDAPBindDN, ""),
			BindPassword: secrets.Get(secrets.KeyLDAPPassword),
		})

		s := server.New(prof, storeInstance, redisClient, tg, ticketStore, mailer, directory)

		c := make(chan os.Signal, 1)
		signal.Notify(c, terminationSignals...)
		go func() {
			<-c
			slog.Info("shutting down")
			cancel()
		}()

		fmt.Printf("DeskOps %s started (node %s, kind %s)\n", prof.Version, prof.NodeID, prof.NodeKind)
		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("server stopped", "error", err)
			os.Exit(1)
		}
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("kind", string(profile.NodeKindBot))

	rootCmd.PersistentFlags().String("mode", "dev", `mode of the process, "prod" or "dev"`)
	rootCmd.PersistentFlags().String("kind", string(profile.NodeKindBot), "node kind (bot, web, worker)")
	rootCmd.PersistentFlags().String("node-id", "", "stable node id; generated when empty")
	rootCmd.PersistentFlags().String("dsn", "", "PostgreSQL connection string")
	rootCmd.PersistentFlags().String("redis-addr", "localhost:6379", "Redis address")
	rootCmd.PersistentFlags().Int("redis-db", 0, "Redis database number")

	for _, flag := range []string{"mode", "kind", "node-id", "dsn", "redis-addr", "redis-db"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("deskops")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// setupLogger installs JSON logging in prod and readable text in dev.
func setupLogger(prof *profile.Profile) {
	var handler slog.Handler
	if prof.IsDev() {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}

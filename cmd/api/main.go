package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"gamechat/internal/adapter/api"
	"gamechat/internal/adapter/api/handler"
	apimiddleware "gamechat/internal/adapter/api/middleware"
	"gamechat/internal/adapter/api/router"
	"gamechat/internal/domain/entity"
	"gamechat/internal/infrastructure/websocket"
	"gamechat/pkg/config"
	"gamechat/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logger.Error("gamechat Error: %v", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "gamechat",
		Short:         "Real-time chat delivery service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newReconcileCommand())
	root.AddCommand(newUserCommand())
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and websocket gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	a.limiter.StartCleanupRoutine(ctx)

	gatewayCtx, stopGateway := context.WithCancel(context.Background())
	defer stopGateway()

	wsManager := websocket.NewManager(cfg.InstanceID, a.bus, a.membership, a.limiter, a.metrics)
	wsManager.OnRoomIdle(a.reconcile.HandleRoomIdle)
	wsManager.Start(gatewayCtx)

	handler.Setup(a.chats, a.messages, a.users, cfg.AttachmentMaxSize, cfg.AttachmentMaxCount)
	handler.SetupHealthHandler(a.checks)
	if a.objects != nil {
		handler.SetupFileHandler(a.objects)
	}

	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(apimiddleware.RateLimit(a.limiter))

	e.Validator = api.NewValidator()

	authMiddleware := apimiddleware.NewAuthMiddleware(a.verifier)
	wsHandler := handler.NewWebSocketHandler(wsManager, authMiddleware, nil)

	router.Setup(e, authMiddleware, wsHandler)

	if cfg.IsDevelopment() && cfg.AuthProvider == "jwt" && cfg.JWTSecret != "" {
		handler.SetupDevTokenHandler(cfg.JWTSecret, a.userRepo)
		router.SetupDevRouter(e, cfg.Environment, handler.GetDevTokenHandler())
	}

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           otelhttp.NewHandler(e, "gamechat-api"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server on port %s as instance %s...", cfg.ServerPort, cfg.InstanceID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("serve Error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	stopGateway()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("serve Error: http shutdown: %v", err)
	}
	a.drain(shutdownTimeout)

	logger.Info("Server stopped")
	return nil
}

func newReconcileCommand() *cobra.Command {
	var chatIDs []string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Copy hot buffer messages missing from the durable store",
		Long: `Compare each chat's hot buffer with the durable store and write the
messages the store is missing.

Example:
  gamechat reconcile --chat 3f1c --chat 9a07`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			for _, chatID := range chatIDs {
				repaired, err := a.reconcile.ReconcileChat(cmd.Context(), chatID)
				if err != nil {
					return fmt.Errorf("reconcile chat %s: %w", chatID, err)
				}
				fmt.Fprintf(out, "%s: %d repaired\n", chatID, len(repaired))
				for _, id := range repaired {
					fmt.Fprintf(out, "  %s\n", id)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&chatIDs, "chat", nil, "chat id to reconcile (repeatable)")
	_ = cmd.MarkFlagRequired("chat")
	return cmd
}

type userWriter interface {
	Upsert(ctx context.Context, user *entity.User) error
}

func newUserCommand() *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage local user profiles",
	}

	var profile entity.User
	put := &cobra.Command{
		Use:   "put",
		Short: "Create or update a user profile in the SQL store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			w, ok := a.userRepo.(userWriter)
			if !ok {
				return fmt.Errorf("store %q does not accept local profiles", cfg.StoreDriver)
			}
			if err := w.Upsert(cmd.Context(), &profile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s saved\n", profile.ID)
			return nil
		},
	}

	put.Flags().StringVar(&profile.ID, "id", "", "user id as issued by the identity provider")
	put.Flags().StringVar(&profile.Username, "username", "", "display name")
	put.Flags().StringVar(&profile.Email, "email", "", "email address")
	put.Flags().StringVar(&profile.AvatarURL, "avatar", "", "avatar URL")
	_ = put.MarkFlagRequired("id")
	_ = put.MarkFlagRequired("username")

	user.AddCommand(put)
	return user
}

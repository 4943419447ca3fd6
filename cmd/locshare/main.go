package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"locshare/internal/ha"
	"locshare/internal/ownership"
	"locshare/internal/service_registry"
	"locshare/internal/utils"
	"locshare/pkg/file"
	"locshare/pkg/gmls"
	"locshare/pkg/mqtt"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var debug bool

	rootCmd := &cobra.Command{
		Use:   "locshare",
		Short: "Bridge Google shared locations into Home Assistant over MQTT",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runAgent(configPath, debug)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(newCookiesCmd(&debug))
	return rootCmd
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}

func runAgent(configPath string, debug bool) error {
	logger := newLogger(debug)

	// Initialize file operations handler
	fileClient := file.NewFileService()

	// Load configuration from file
	config, err := utils.LoadConfig(configPath, fileClient)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load configuration")
		return err
	}

	// Generate a unique MQTT Client ID by appending a UUID
	clientID := config.MQTT.ClientID + "-" + uuid.New().String()
	logger.Info().Str("client_id", clientID).Msg("Using MQTT Client ID")

	// Initialize the shared MQTT connection. The last will flips the agent's
	// availability topic to offline if the connection dies uncleanly.
	mqttClient := mqtt.NewMqttService(fileClient)
	err = mqttClient.Initialize(mqtt.Options{
		Broker:        config.MQTT.Broker,
		ClientID:      clientID,
		Username:      config.MQTT.Username,
		Password:      config.MQTT.Password,
		CACertificate: config.MQTT.CACertificate,
		WillTopic:     config.MQTT.TopicBase + "/status",
		WillPayload:   "offline",
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize MQTT connection")
		return err
	}
	defer mqttClient.Disconnect(250)

	publisher := ha.NewPublisher(mqttClient, config.MQTT.DiscoveryPrefix, config.MQTT.TopicBase, *config.MQTT.QOS, logger)
	if err := publisher.PublishOnline(); err != nil {
		return err
	}

	// Open the entity assignment store and the shared ownership registry.
	store, err := ownership.OpenStore(config.Storage.EntityDB, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open entity store")
		return err
	}
	defer store.Close()

	registry := ownership.NewRegistry()
	pool := utils.NewWorkerPool(config.Workers)

	// Create a new service registry to manage the per-account trackers
	serviceRegistry := service_registry.NewServiceRegistry(fileClient, publisher, registry, store, pool, logger)
	if err := serviceRegistry.RegisterServices(config); err != nil {
		logger.Error().Err(err).Msg("Failed to register services")
		return err
	}

	if err := serviceRegistry.StartServices(); err != nil {
		logger.Error().Err(err).Msg("Failed to start services")
		return err
	}
	logger.Info().Msg("All services started successfully")

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	logger.Info().Msg("Shutting down gracefully...")
	if err := serviceRegistry.StopServices(); err != nil {
		logger.Error().Err(err).Msg("Service shutdown reported errors")
	}
	pool.Shutdown()
	if err := publisher.PublishOffline(); err != nil {
		logger.Error().Err(err).Msg("Failed to publish offline status")
	}
	return nil
}

// newCookiesCmd validates a Netscape cookies export without starting the
// agent, so users can check a fresh export before dropping it in place.
func newCookiesCmd(debug *bool) *cobra.Command {
	var account string

	cmd := &cobra.Command{
		Use:   "cookies <file>",
		Short: "Validate a cookies file and report its expiration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := newLogger(*debug)

			client := gmls.NewClient(account, file.NewFileService(), logger)
			defer client.Close()

			if err := client.LoadCookies(args[0]); err != nil {
				return fmt.Errorf("cookies file is not usable: %w", err)
			}

			if expiration, ok := client.CookiesExpiration(); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "cookies valid, expire %s (%s from now)\n",
					expiration.Format(time.RFC3339), time.Until(expiration).Round(time.Hour))
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "cookies valid, no expiration recorded")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account email the cookies belong to")
	return cmd
}

// Package cli holds the veilcall command tree. Every command dials the
// store relay, publishes a guest identity, and drives either the 1:1 call
// controller or the conference coordinator.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/veilcall/veilcall/internal/adapters/media"
	"github.com/veilcall/veilcall/internal/adapters/rtc"
	"github.com/veilcall/veilcall/internal/adapters/storews"
	"github.com/veilcall/veilcall/internal/config"
	"github.com/veilcall/veilcall/internal/core"
	"github.com/veilcall/veilcall/internal/domain"
)

var (
	flagStoreURL string
	flagName     string
	flagCountry  string
	flagDebug    bool
)

var rootCmd = &cobra.Command{
	Use:   "veilcall",
	Short: "Anonymous video calls over a shared realtime store",
	Long: `Veilcall connects peers through a realtime key-value store used as the
signaling plane. Callers stay anonymous behind a guest name until the call
ends; identities are revealed only after a call actually connected.`,
}

// Execute runs the command tree. Called once from main.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagStoreURL, "store-url", "", "store relay websocket URL")
	rootCmd.PersistentFlags().StringVar(&flagName, "name", "", "display name (omit to stay a guest)")
	rootCmd.PersistentFlags().StringVar(&flagCountry, "country", "", "two-letter country code shown next to your name")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "verbose logging")

	rootCmd.AddCommand(dialCmd)
	rootCmd.AddCommand(luckyCmd)
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(onlineCmd)
}

// session bundles everything a command needs once the relay is reachable.
type session struct {
	self    domain.Identity
	store   *storews.Client
	factory core.TransportFactory
	media   core.MediaSource
}

func setup(ctx context.Context) (*session, error) {
	if flagDebug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	storeURL := cfg.Client.StoreURL
	if flagStoreURL != "" {
		storeURL = flagStoreURL
	}

	self := domain.NewGuestIdentity(flagCountry)
	if flagName != "" {
		self, err = domain.NewAuthenticatedIdentity(string(self.ID), flagName, self.AvatarURL, flagCountry)
		if err != nil {
			return nil, err
		}
	}

	store, err := storews.Dial(ctx, storeURL)
	if err != nil {
		return nil, err
	}

	factory := rtc.NewFactory(rtc.ICEConfig{
		STUNServers: cfg.Client.STUNServers,
		TURNServers: cfg.Client.TURNServers,
		TURNUser:    cfg.Client.TURNUser,
		TURNPass:    cfg.Client.TURNPass,
	})

	fmt.Printf("You are %s (%s)\n", self.DisplayName, self.ID)

	return &session{
		self:    self,
		store:   store,
		factory: factory,
		media:   media.NewLocalMedia(),
	}, nil
}

func (s *session) close() {
	if err := s.store.Close(); err != nil {
		log.Warn().Err(err).Msg("store close")
	}
}

// signalContext cancels on SIGINT/SIGTERM so every command tears down its
// store records before exiting.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

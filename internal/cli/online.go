package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/veilcall/veilcall/internal/domain"
	"github.com/veilcall/veilcall/internal/presence"
)

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "List peers currently online",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnline()
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer",
	Short: "Go online and wait for incoming calls",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall(nil)
	},
}

// runOnline prints one roster snapshot without publishing a presence record,
// so lurking on the list does not make you dialable.
func runOnline() error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := setup(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	reg := presence.NewRegistry(s.store)
	defer reg.Close()

	roster := make(chan []domain.PresenceRecord, 1)
	stop, err := reg.Subscribe(func(records []domain.PresenceRecord) {
		select {
		case roster <- records:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer stop()

	select {
	case records := <-roster:
		if len(records) == 0 {
			fmt.Println("nobody online")
			return nil
		}
		for _, r := range records {
			fmt.Printf("%s\t%s\n", r.ID, r.DisplayName)
		}
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timed out waiting for the online list")
	case <-ctx.Done():
		return ctx.Err()
	}
}

package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/veilcall/veilcall/internal/call"
	"github.com/veilcall/veilcall/internal/domain"
)

var dialCmd = &cobra.Command{
	Use:   "dial <session-id>",
	Short: "Call a specific online peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall(func(ctx context.Context, c *call.Controller) error {
			return c.Dial(ctx, domain.SessionID(args[0]))
		})
	},
}

var luckyCmd = &cobra.Command{
	Use:   "lucky",
	Short: "Call a random online peer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall(func(ctx context.Context, c *call.Controller) error {
			return c.DialLucky(ctx)
		})
	},
}

// runCall wires a controller, places the call via place, and then keeps the
// session alive. Enter hangs up (revealing the peer if the call connected);
// interrupt exits. A nil place waits for incoming calls instead.
func runCall(place func(context.Context, *call.Controller) error) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := setup(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	ctrl := call.NewController(s.self, s.store, s.factory, s.media)
	ctrl.OnPhase = func(p call.Phase) {
		fmt.Printf("call: %s\n", p)
	}
	ctrl.OnReveal = func(peer domain.Identity) {
		fmt.Printf("you were talking to %s", peer.DisplayName)
		if peer.CountryCode != "" {
			fmt.Printf(" (%s)", peer.CountryCode)
		}
		fmt.Println()
		ctrl.DismissReveal()
	}

	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	defer ctrl.Stop(context.Background())

	if place != nil {
		if err := place(ctx, ctrl); err != nil {
			return err
		}
	} else {
		fmt.Println("waiting for incoming calls, press Enter to hang up")
	}

	lines := make(chan struct{})
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lines:
			if ctrl.Phase() == call.PhaseIdle {
				return nil
			}
			ctrl.HangUp(context.Background())
		}
	}
}

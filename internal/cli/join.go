package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/veilcall/veilcall/internal/chat"
	"github.com/veilcall/veilcall/internal/domain"
	"github.com/veilcall/veilcall/internal/mesh"
)

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a conference room",
	Long: `Join a multi-party room. Everyone already in the room connects to you
directly; lines typed on stdin go to the room chat.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(domain.RoomID(args[0]))
	},
}

func runJoin(room domain.RoomID) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := setup(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	coord := mesh.NewCoordinator(s.self, room, s.store, s.factory, s.media)
	coord.OnRoster = func(roster []domain.ParticipantRecord) {
		names := make([]string, 0, len(roster))
		for _, p := range roster {
			names = append(names, p.DisplayName)
		}
		fmt.Printf("in room: %s\n", strings.Join(names, ", "))
	}

	if err := coord.Join(ctx); err != nil {
		return err
	}
	defer coord.Leave(context.Background())

	chatLog := chat.NewLog(s.store, s.self, room)
	stopChat, err := chatLog.Subscribe(printNewMessages(s.self.ID))
	if err != nil {
		return err
	}
	defer stopChat()

	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			text := strings.TrimSpace(sc.Text())
			if text == "" {
				continue
			}
			if err := chatLog.Send(ctx, text); err != nil {
				fmt.Fprintf(os.Stderr, "chat: %v\n", err)
			}
		}
	}()

	<-ctx.Done()
	return nil
}

// printNewMessages prints only lines it has not shown yet; the subscription
// redelivers the full log on every change.
func printNewMessages(self domain.SessionID) func([]chat.Message) {
	seen := make(map[string]struct{})
	return func(msgs []chat.Message) {
		for _, m := range msgs {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			if m.SenderID == self {
				continue
			}
			fmt.Printf("%s: %s\n", m.SenderName, m.Text)
		}
	}
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/companion/internal/flow"
	"github.com/scrypster/companion/internal/memory"
	"github.com/scrypster/companion/internal/statemachine"
)

const maxChatHistory = 20

var (
	chatUser      string
	chatCompanion string
	chatNoRecord  bool
	chatDetails   bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the companion in the terminal",
	Long: `Starts an interactive session. Replies stream as they are generated.

Commands inside the session:
  /state   show the companion's current states and constraints
  /quit    end the session`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatUser, "user", "local", "User id")
	chatCmd.Flags().StringVar(&chatCompanion, "companion", "buddy", "Companion id")
	chatCmd.Flags().BoolVar(&chatNoRecord, "no-record", false, "Do not store the exchange as conversation memory")
	chatCmd.Flags().BoolVar(&chatDetails, "details", false, "Print evidence, emotion and actions after each reply")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()

	s := &chatSession{
		flow:        a.flow,
		machines:    a.machines,
		userID:      chatUser,
		companionID: chatCompanion,
		sessionID:   uuid.NewString(),
		details:     chatDetails,
		out:         cmd.OutOrStdout(),
		logger:      logger,
	}
	if !chatNoRecord && cfg.Server.RecordSessions {
		s.store = a.store
	}

	fmt.Fprintf(s.out, "Chatting with %s as %s. Type /quit to leave.\n", s.companionID, s.userID)
	return s.loop(ctx, os.Stdin)
}

// streamer runs one turn and reports reply text as it arrives.
type streamer interface {
	ProcessStream(ctx context.Context, t flow.Turn, onChunk func(string)) (*flow.Result, error)
}

// chatSession is one terminal conversation.
type chatSession struct {
	flow        streamer
	store       memory.Store // nil disables recording
	machines    *statemachine.Registry
	userID      string
	companionID string
	sessionID   string
	details     bool
	history     []memory.Message
	out         io.Writer
	logger      *zap.Logger
}

// loop reads one message per line until EOF, /quit or ctx is done.
func (s *chatSession) loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/state":
			if err := s.printState(); err != nil {
				return err
			}
			continue
		}

		if err := s.turn(ctx, line); err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Fprintln(s.out)
				return nil
			}
			return err
		}
	}
}

// turn runs one exchange, printing the reply as it streams.
func (s *chatSession) turn(ctx context.Context, msg string) error {
	var streamed strings.Builder
	res, err := s.flow.ProcessStream(ctx, flow.Turn{
		UserID:      s.userID,
		CompanionID: s.companionID,
		SessionID:   s.sessionID,
		Message:     msg,
		History:     s.history,
	}, func(chunk string) {
		streamed.WriteString(chunk)
		fmt.Fprint(s.out, chunk)
	})
	if err != nil {
		return err
	}
	// A streamed reply that failed the response check was replaced.
	if strings.TrimSpace(streamed.String()) != res.Response {
		if streamed.Len() > 0 {
			fmt.Fprint(s.out, "\n(corrected) ")
		}
		fmt.Fprint(s.out, res.Response)
	}
	fmt.Fprintln(s.out)

	if s.details {
		fmt.Fprintf(s.out, "  [evidence=%s emotion=%s tail=%s activity=%s stable=%d consolidated=%t]\n",
			res.Verdict.Level, res.Emotion.Sentiment, res.Actions.TailWagging,
			res.Actions.ActivityLevel, len(res.Stable), res.Consolidation.Written)
	}

	s.history = append(s.history,
		memory.Message{Role: "user", Content: msg},
		memory.Message{Role: "assistant", Content: res.Response})
	if len(s.history) > maxChatHistory {
		s.history = s.history[len(s.history)-maxChatHistory:]
	}

	s.record(ctx, msg, res)
	return nil
}

// record stores the exchange in the conversation partition. Failures are
// logged only.
func (s *chatSession) record(ctx context.Context, msg string, res *flow.Result) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_, err := s.store.AppendSession(ctx, memory.CollectionConversation, memory.SessionWrite{
		SessionID: s.sessionID,
		SubjectID: res.UserID,
		ScopeID:   res.CompanionID,
		Messages: []memory.Message{
			{Role: "user", Content: msg},
			{Role: "assistant", Content: res.Response},
		},
		Metadata: map[string]any{
			"turn_id":        res.TurnID,
			"evidence_level": string(res.Verdict.Level),
			"sentiment":      res.Emotion.Sentiment,
		},
	})
	if err != nil {
		s.logger.Warn("failed to record session", zap.String("turn_id", res.TurnID), zap.Error(err))
	}
}

func (s *chatSession) printState() error {
	if s.machines == nil {
		return nil
	}
	return writeJSON(s.out, s.machines.Machine(s.companionID).Summary())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
)

func newConversationsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Inspect stored conversations",
	}

	var (
		limit int
		ids   []string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List conversations ordered by id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				convs []domain.Conversation
				err   error
			)
			if len(ids) > 0 {
				convs, err = a.svc.Conversations.Conversations(cmd.Context(), ids)
			} else {
				convs, err = a.svc.Conversations.AllConversations(cmd.Context(), limit)
			}
			if err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}
			if len(convs) == 0 {
				cmd.Println("No conversations found.")
				return nil
			}
			for _, c := range convs {
				cmd.Printf("%s\tmessages=%d\tdocs=%d\t%s\n", c.ID, len(c.Messages), len(c.Evidence), lastQuestion(c))
			}
			return nil
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of conversations (0 = all)")
	list.Flags().StringSliceVar(&ids, "ids", nil, "only these conversation ids")

	get := &cobra.Command{
		Use:   "get [id]",
		Short: "Print one conversation as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := a.svc.Conversations.Conversation(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get conversation: %w", err)
			}
			data, err := json.MarshalIndent(conv, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal conversation: %w", err)
			}
			cmd.Println(string(data))
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete one conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deleted, err := a.svc.Conversations.DeleteConversation(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("delete conversation: %w", err)
			}
			if !deleted {
				return fmt.Errorf("conversation %s not found", args[0])
			}
			cmd.Printf("deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, get, del)
	return cmd
}

func lastQuestion(c domain.Conversation) string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == domain.RoleUser {
			return truncate(strings.ReplaceAll(c.Messages[i].Content, "\n", " "), 60)
		}
	}
	return ""
}

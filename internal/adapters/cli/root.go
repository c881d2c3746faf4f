// Package cli is the ragctl maintenance command line.
package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ste316/rag-nivola-service-portal/internal/core/ports"
)

// Services are the use cases the commands drive.
type Services struct {
	Cache         ports.CacheService
	Conversations ports.ConversationReader
}

// Loader wires Services on demand. The returned func releases them.
type Loader func(ctx context.Context) (*Services, func(), error)

type app struct {
	load    Loader
	svc     *Services
	release func()
}

func NewRootCommand(load Loader) *cobra.Command {
	a := &app{load: load}

	root := &cobra.Command{
		Use:           "ragctl",
		Short:         "Maintain the RAG conversation store and document cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			return a.open(cmd.Context())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.close()
		},
	}
	root.AddCommand(newCacheCommand(a), newConversationsCommand(a))
	return root
}

func (a *app) open(ctx context.Context) error {
	if a.svc != nil {
		return nil
	}
	if a.load == nil {
		return errors.New("services not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	svc, release, err := a.load(ctx)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	a.svc = svc
	a.release = release
	return nil
}

func (a *app) close() {
	if a.release != nil {
		a.release()
		a.release = nil
	}
	a.svc = nil
}

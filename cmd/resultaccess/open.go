package main

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"medlab-portal/resultaccess/internal/access"
	"medlab-portal/resultaccess/internal/challenge"
	"medlab-portal/resultaccess/internal/shell"
)

var openCmd = &cobra.Command{
	Use:   "open <result-id>",
	Short: "Open a result in the interactive terminal UI",
	Args:  cobra.ExactArgs(1),
	RunE:  runOpen,
}

func runOpen(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sess := access.NewSession(newPortalClient(), args[0], sessionOptions())
	defer sess.Close()

	// The model subscribes before the lookup starts, so it sees every state.
	m := shell.New(ctx, sess, cfg.PDFViewer)
	go func() {
		if _, err := sess.Load(ctx); err != nil && !errors.Is(err, challenge.ErrClosed) {
			logger.Debug("lookup", zap.String("result_id", args[0]), zap.Error(err))
		}
	}()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return err
	}
	return nil
}

package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"gorepl/internal/buildpipeline"
	"gorepl/internal/ui"
)

// cellSink labels events with the cell being evaluated. Sends give up once
// the view is gone.
type cellSink struct {
	mu   sync.Mutex
	file string
	ch   chan<- buildpipeline.Event
	done <-chan struct{}
}

func (s *cellSink) setCell(name string) {
	s.mu.Lock()
	s.file = name
	s.mu.Unlock()
}

func (s *cellSink) OnEvent(evt buildpipeline.Event) {
	s.mu.Lock()
	evt.File = s.file
	s.mu.Unlock()
	select {
	case s.ch <- evt:
	case <-s.done:
	}
}

type cellsOutcome struct {
	results []cellResult
	err     error
}

func runCellsWithUI(ctx context.Context, cmd *cobra.Command, path string, cells []cell, keepGoing bool) ([]cellResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan buildpipeline.Event, 256)
	sink := &cellSink{ch: events, done: ctx.Done()}
	outcomeCh := make(chan cellsOutcome, 1)

	go func() {
		defer close(events)
		sess, err := openSession(ctx, cmd, loaded, sessionOptions{progress: sink})
		if err != nil {
			outcomeCh <- cellsOutcome{err: err}
			return
		}
		defer sess.Close()
		results := evalCells(ctx, sess, cells, keepGoing, func(c cell) {
			sink.setCell(c.name)
			sink.OnEvent(buildpipeline.Event{Stage: buildpipeline.StageWrite, Status: buildpipeline.StatusQueued})
		})
		outcomeCh <- cellsOutcome{results: results}
	}()

	names := make([]string, len(cells))
	for i, c := range cells {
		names[i] = c.name
	}
	model := ui.NewProgressModel(filepath.Base(path), names, events)
	program := tea.NewProgram(model, tea.WithOutput(os.Stdout))
	_, uiErr := program.Run()
	// the view may quit early on Ctrl-C
	cancel()
	outcome := <-outcomeCh
	if uiErr != nil {
		return outcome.results, uiErr
	}
	return outcome.results, outcome.err
}

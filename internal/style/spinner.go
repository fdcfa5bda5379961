package style

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
)

// Spinner is the progress indicator contract used by the CLI. The
// terminal implementation animates in place; the test implementation
// prints each transition on its own line so output is assertable.
type Spinner interface {
	SetSuffix(suffix string)
	SetFinalMSG(finalMSG string)
	Start()
	Stop()
}

// TestSpinner is a spinner implementation for testing that outputs each
// spinner update on a new line instead of clearing and redrawing
type TestSpinner struct {
	mu       sync.Mutex
	Suffix   string
	FinalMSG string
	color    func(a ...interface{}) string
	Writer   io.Writer
	active   bool
}

// NewTestSpinner creates a line-oriented spinner writing to w
func NewTestSpinner(w io.Writer) *TestSpinner {
	return &TestSpinner{
		color:  color.New(color.FgWhite).SprintFunc(),
		Writer: w,
	}
}

func (s *TestSpinner) SetSuffix(suffix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.Writer, "[SET SUFFIX] %s\n", suffix)
	s.Suffix = suffix
}

func (s *TestSpinner) SetFinalMSG(finalMSG string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FinalMSG = finalMSG
}

// Start will start the indicator.
func (s *TestSpinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return
	}
	s.active = true
	fmt.Fprintf(s.Writer, "[SPINNER START]\n")
}

// Stop stops the indicator and prints the final message if one was set.
func (s *TestSpinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	fmt.Fprintf(s.Writer, "[SPINNER STOP]\n")
	if s.FinalMSG != "" {
		fmt.Fprintf(s.Writer, "[FINAL MSG] %s\n", s.FinalMSG)
	}
}

// TerminalSpinner animates on a real terminal
type TerminalSpinner struct {
	spinner *spinner.Spinner
}

func NewTerminalSpinner(cs []string, d time.Duration, options ...spinner.Option) *TerminalSpinner {
	return &TerminalSpinner{
		spinner: spinner.New(cs, d, options...),
	}
}

func (s *TerminalSpinner) SetSuffix(suffix string) {
	s.spinner.Suffix = suffix
}

func (s *TerminalSpinner) SetFinalMSG(finalMSG string) {
	s.spinner.FinalMSG = finalMSG
}

func (s *TerminalSpinner) Start() {
	s.spinner.Start()
}

func (s *TerminalSpinner) Stop() {
	s.spinner.Stop()
}

// NewSpinner returns the spinner implementation for the current
// environment. MARKTOFLOW_TEST=true selects the line-oriented test
// spinner.
func NewSpinner(w io.Writer) Spinner {
	if os.Getenv("MARKTOFLOW_TEST") == "true" {
		return NewTestSpinner(w)
	}

	return NewTerminalSpinner(spinner.CharSets[9], 100*time.Millisecond, spinner.WithWriter(w))
}

// SpinnerManager hands out spinners bound to one writer and remembers
// them so a teardown can stop whatever is still animating.
type SpinnerManager struct {
	writer   io.Writer
	mu       sync.Mutex
	spinners []Spinner
}

// NewSpinnerManager creates a manager writing to w
func NewSpinnerManager(w io.Writer) *SpinnerManager {
	return &SpinnerManager{writer: w}
}

// Start allocates a new managed spinner. The caller configures and
// starts it.
func (m *SpinnerManager) Start() Spinner {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := NewSpinner(m.writer)
	m.spinners = append(m.spinners, s)
	return s
}

// StopAll stops every spinner the manager handed out
func (m *SpinnerManager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.spinners {
		s.Stop()
	}
	m.spinners = nil
}

package bridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"bridgebot-go/internal/signal"
)

// LaunchSpec describes the strategy host process to start.
type LaunchSpec struct {
	HostPath  string
	BusURL    string
	BotID     string
	Symbol    string
	Timeframe string
	Strategy  string
	ExtraArgs []string
	ExtraEnv  []string
}

// Process is a running strategy host.
type Process interface {
	// Done is closed when the process exits.
	Done() <-chan struct{}
	// Err returns the exit error. Only valid after Done is closed.
	Err() error
	// ReadyFromStdout fires if the host prints its readiness marker. This is
	// the secondary readiness channel; the bus publication is authoritative.
	ReadyFromStdout() <-chan struct{}
	// Stop asks the process to exit, waits out the grace period, then kills.
	Stop(grace time.Duration) error
}

// Launcher starts strategy hosts. The exec implementation is the production
// one; tests substitute in-process fakes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher launches the host binary as an OS subprocess and tails its
// stdout for the readiness marker.
type ExecLauncher struct {
	log zerolog.Logger
}

// NewExecLauncher builds the subprocess launcher.
func NewExecLauncher(log zerolog.Logger) *ExecLauncher {
	return &ExecLauncher{log: log.With().Str("component", "launcher").Logger()}
}

// Launch starts the host process with its session identity passed as flags.
func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	args := []string{
		"-bus", spec.BusURL,
		"-bot", spec.BotID,
		"-symbol", spec.Symbol,
	}
	if spec.Timeframe != "" {
		args = append(args, "-timeframe", spec.Timeframe)
	}
	if spec.Strategy != "" {
		args = append(args, "-strategy", spec.Strategy)
	}
	args = append(args, spec.ExtraArgs...)

	cmd := exec.CommandContext(ctx, spec.HostPath, args...)
	cmd.Env = append(os.Environ(), spec.ExtraEnv...)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.HostPath, err)
	}

	p := &execProcess{
		cmd:   cmd,
		done:  make(chan struct{}),
		ready: make(chan struct{}),
		log:   l.log.With().Str("bot", spec.BotID).Int("pid", cmd.Process.Pid).Logger(),
	}
	go p.scanStdout(stdout)
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	p.log.Info().Str("host", spec.HostPath).Msg("strategy host launched")
	return p, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	err   error
	done  chan struct{}
	ready chan struct{}
	log   zerolog.Logger
}

func (p *execProcess) Done() <-chan struct{}           { return p.done }
func (p *execProcess) Err() error                      { return p.err }
func (p *execProcess) ReadyFromStdout() <-chan struct{} { return p.ready }

// scanStdout mirrors host output into the bridge log and watches for the
// readiness marker line.
func (p *execProcess) scanStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	readySeen := false
	for scanner.Scan() {
		line := scanner.Text()
		if !readySeen && strings.HasPrefix(line, signal.StdoutReadyPrefix) {
			readySeen = true
			close(p.ready)
			continue
		}
		p.log.Debug().Str("stream", "stdout").Msg(line)
	}
}

// Stop sends SIGTERM, waits up to grace for exit, then SIGKILLs.
func (p *execProcess) Stop(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	p.log.Warn().Dur("grace", grace).Msg("host ignored SIGTERM, killing")
	if err := p.cmd.Process.Kill(); err != nil {
		return err
	}
	<-p.done
	return nil
}

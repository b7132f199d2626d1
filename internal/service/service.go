//go:build windows

// Package service runs countermon under the Windows Service Control Manager.
// From a terminal the agent runs in the foreground instead.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/windows/svc"
)

// Name is the name the service is registered under.
const Name = "CounterMon"

// AgentService implements svc.Handler.
type AgentService struct {
	logger      *zap.Logger
	stopTimeout time.Duration
	run         func(ctx context.Context)
}

// New creates a service wrapper. run must block until its context is
// cancelled and then shut the agent down; Execute waits at most stopTimeout
// for it to return.
func New(logger *zap.Logger, stopTimeout time.Duration, run func(ctx context.Context)) *AgentService {
	return &AgentService{
		logger:      logger,
		stopTimeout: stopTimeout,
		run:         run,
	}
}

// IsWindowsService reports whether the process was started by the SCM.
func IsWindowsService() bool {
	isService, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return isService
}

// Run enters the SCM control loop.
func (s *AgentService) Run() error {
	return svc.Run(Name, s)
}

// Execute implements svc.Handler.
func (s *AgentService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (ssec bool, errno uint32) {
	changes <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.run(ctx)
	}()

	changes <- svc.Status{
		State:   svc.Running,
		Accepts: svc.AcceptStop | svc.AcceptShutdown,
	}
	s.logger.Info("Windows service started")

	for {
		select {
		case <-done:
			s.logger.Warn("Agent exited, stopping service")
			return false, 1
		case c := <-r:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				s.logger.Info("Windows service stopping")
				changes <- svc.Status{State: svc.StopPending, WaitHint: uint32(s.stopTimeout / time.Millisecond)}
				cancel()
				select {
				case <-done:
				case <-time.After(s.stopTimeout):
					s.logger.Warn("Agent did not stop in time", zap.Duration("timeout", s.stopTimeout))
				}
				return false, 0
			default:
				s.logger.Warn("Unexpected service control request",
					zap.Uint32("cmd", uint32(c.Cmd)))
			}
		}
	}
}

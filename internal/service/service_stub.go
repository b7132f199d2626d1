//go:build !windows

// Package service provides a stub for non-Windows platforms, where the agent
// always runs as a foreground process.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Name is the name the service is registered under.
const Name = "CounterMon"

// AgentService is a no-op wrapper on non-Windows platforms.
type AgentService struct {
	logger      *zap.Logger
	stopTimeout time.Duration
	run         func(ctx context.Context)
}

// New creates a stub service wrapper.
func New(logger *zap.Logger, stopTimeout time.Duration, run func(ctx context.Context)) *AgentService {
	return &AgentService{
		logger:      logger,
		stopTimeout: stopTimeout,
		run:         run,
	}
}

// IsWindowsService always returns false on non-Windows platforms.
func IsWindowsService() bool {
	return false
}

// Run executes the agent directly until it returns.
func (s *AgentService) Run() error {
	s.run(context.Background())
	return nil
}

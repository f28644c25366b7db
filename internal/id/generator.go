// Package id produces prefixed, lexicographically sortable identifiers for
// the orchestrator's domain records.
package id

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy identifies the identifier generation algorithm.
type Strategy int

const (
	// StrategyKSUID generates lexicographically sortable identifiers using KSUID.
	StrategyKSUID Strategy = iota
	// StrategyUUIDv7 generates time-ordered identifiers using UUID version 7.
	StrategyUUIDv7
)

var defaultGenerator = &Generator{strategy: StrategyKSUID}

// Generator produces identifiers with a configurable strategy.
type Generator struct {
	mu       sync.RWMutex
	strategy Strategy
}

// SetStrategy configures the generation strategy for the default generator.
func SetStrategy(strategy Strategy) {
	defaultGenerator.mu.Lock()
	defaultGenerator.strategy = strategy
	defaultGenerator.mu.Unlock()
}

// NewTaskID generates a task identifier.
func NewTaskID() string { return defaultGenerator.newIdentifier("task") }

// NewRunID generates a run identifier.
func NewRunID() string { return defaultGenerator.newIdentifier("run") }

// NewReviewID generates a review identifier.
func NewReviewID() string { return defaultGenerator.newIdentifier("review") }

// NewJobID generates a queue job identifier.
func NewJobID() string { return defaultGenerator.newIdentifier("job") }

// NewWorkerID generates a stable worker identifier for queue leases.
func NewWorkerID() string { return defaultGenerator.newIdentifier("worker") }

// NewPullRequestID generates a pull request record identifier.
func NewPullRequestID() string { return defaultGenerator.newIdentifier("pr") }

// NewCICheckID generates a CI check record identifier.
func NewCICheckID() string { return defaultGenerator.newIdentifier("ci") }

func (g *Generator) newIdentifier(prefix string) string {
	g.mu.RLock()
	strategy := g.strategy
	g.mu.RUnlock()

	switch strategy {
	case StrategyUUIDv7:
		value, err := uuid.NewV7()
		if err != nil {
			// uuid.NewV7 only fails when the entropy source does; fall back
			// to KSUID rather than returning an empty id.
			return fmt.Sprintf("%s_%s", prefix, ksuid.New().String())
		}
		return fmt.Sprintf("%s_%s", prefix, value.String())
	default:
		return fmt.Sprintf("%s_%s", prefix, ksuid.New().String())
	}
}

// Short returns the 8-character tail of an identifier, used in branch names
// and log prefixes. Identifiers shorter than 8 chars are returned whole.
func Short(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if len(identifier) <= 8 {
		return identifier
	}
	return identifier[len(identifier)-8:]
}
